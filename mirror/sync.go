package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/vstore/storage"
)

// maxConflictRounds bounds the number of rejected pushes a single sync may
// see before giving up until the next attempt.
const maxConflictRounds = 8

func (s *Store) markSynced(key storage.Key, version uint64) {
	s.update(key, func(ks *keyState) {
		ks.state = StateSynced
		ks.pending = false
		ks.localVersion = version
		ks.remoteVersion = version
		ks.remoteKnown = true
		ks.lastErr = nil
		ks.conflict = nil
	})
}

// confirm records in the local store that the remote holds version of the
// key from our history, and marks the key synced if that is the local version.
func (s *Store) confirm(ctx context.Context, key storage.Key, version uint64) error {
	if version == storage.NoVersion {
		return nil
	}

	if err := s.local.SetSynced(ctx, key, version); err != nil {
		return fmt.Errorf("record synced version: %w", err)
	}

	s.setRemoteVersion(key, version)

	return nil
}

func (s *Store) markStale(key storage.Key, localVersion uint64, pending bool, err error) {
	level.Warn(s.logger).Log("msg", "remote store not synced", "key", key, "local_version", localVersion, "err", err)

	s.update(key, func(ks *keyState) {
		ks.state = StateStale
		ks.pending = pending
		ks.localVersion = localVersion
		ks.lastErr = err
	})
}

func (s *Store) markConflict(key storage.Key, local, remote storage.Record) *ConflictError {
	level.Warn(s.logger).Log("msg", "records diverged", "key", key, "local_version", local.Version, "remote_version", remote.Version)

	conflict := &ConflictError{Key: key, Local: local, Remote: remote}

	s.update(key, func(ks *keyState) {
		ks.state = StateConflict
		ks.pending = false
		ks.localVersion = local.Version
		ks.remoteVersion = remote.Version
		ks.remoteKnown = true
		ks.lastErr = conflict
		ks.conflict = conflict
	})

	return conflict
}

func (s *Store) setRemoteVersion(key storage.Key, version uint64) {
	s.update(key, func(ks *keyState) {
		ks.remoteVersion = version
		ks.remoteKnown = true
	})
}

// adoptLocked replaces the local record with the remote one.
func (s *Store) adoptLocked(ctx context.Context, remote storage.Record) error {
	remote.Synced = remote.Version

	if err := s.local.Repair(ctx, remote); err != nil {
		return fmt.Errorf("adopt remote record: %w", err)
	}

	s.markSynced(remote.Key, remote.Version)

	return nil
}

// reconcileLocked compares the local and the remote copy of the key and
// brings them in line. A key with local writes the remote has not confirmed
// is pushed, any other key adopts a newer remote record. Remote failures are
// recorded in the key state and are not returned. The key lock must be held.
func (s *Store) reconcileLocked(ctx context.Context, key storage.Key) error {
	st := s.snapshot(key)
	if st.state == StateConflict {
		return nil
	}

	if st.pending {
		_, err := s.syncLocked(ctx, key)
		return err
	}

	local, err := s.localRecord(ctx, key)
	if err != nil {
		return err
	}

	remote, err := s.remoteRecord(ctx, key)
	if err != nil {
		s.markStale(key, local.Version, false, err)
		return nil
	}

	s.setRemoteVersion(key, remote.Version)

	switch {
	case remote.Version > local.Version && local.Version == local.Synced:
		if err := s.adoptLocked(ctx, remote); err != nil {
			return err
		}

		level.Debug(s.logger).Log("msg", "adopted remote record", "key", key, "version", remote.Version)

	case remote.Version > local.Version:
		// The remote moved on while local writes were waiting to be pushed.
		_, err := s.conflictLocked(ctx, key, local, remote)
		return err

	case remote.Version == local.Version && bytes.Equal(remote.Payload, local.Payload):
		if err := s.confirm(ctx, key, local.Version); err != nil {
			return err
		}

		s.markSynced(key, local.Version)

	case remote.Version == local.Version:
		_, err := s.conflictLocked(ctx, key, local, remote)
		return err

	default:
		s.update(key, func(ks *keyState) { ks.pending = true })
		_, err := s.syncLocked(ctx, key)

		return err
	}

	return nil
}

// syncLocked pushes the local record on top of the last remote version
// confirmed to hold our history, until the remote version equals the local
// one. When the local store is several versions ahead, the latest payload is
// pushed once per missing version. A remote version above the confirmed one
// that is not ours means another replica wrote, which is a conflict. It
// returns the local version after the sync. Remote failures leave the key
// stale and are not returned. The key lock must be held.
func (s *Store) syncLocked(ctx context.Context, key storage.Key) (uint64, error) {
	local, err := s.localRecord(ctx, key)
	if err != nil {
		return 0, err
	}

	base := local.Synced

	for rounds := 0; base < local.Version; {
		version, err := s.remote.Put(ctx, key, base, local.Payload)
		s.metrics.observePush(err)

		if err == nil {
			if err := s.confirm(ctx, key, version); err != nil {
				return 0, err
			}

			base = version

			continue
		}

		if !errors.Is(err, storage.ErrVersionConflict) {
			s.markStale(key, local.Version, true, err)
			return local.Version, nil
		}

		if rounds++; rounds > maxConflictRounds {
			s.markStale(key, local.Version, true, err)
			return local.Version, nil
		}

		remote, err := s.remoteRecord(ctx, key)
		if err != nil {
			s.markStale(key, local.Version, true, err)
			return local.Version, nil
		}

		switch {
		case remote.Version > base && remote.Version <= local.Version && bytes.Equal(remote.Payload, local.Payload):
			// An earlier push with an unknown outcome was applied.
			if err := s.confirm(ctx, key, remote.Version); err != nil {
				return 0, err
			}

		case remote.Version < base:
			// Nobody can have written on top of a version the remote lost.
			level.Warn(s.logger).Log("msg", "remote lost confirmed versions", "key", key, "remote_version", remote.Version, "synced_version", base)

			if err := s.local.SetSynced(ctx, key, remote.Version); err != nil {
				return 0, fmt.Errorf("record synced version: %w", err)
			}

		case remote.Version == base:
			// Rejected for a reason that is gone by now, try again.

		default:
			return s.conflictLocked(ctx, key, local, remote)
		}

		base = remote.Version
	}

	s.markSynced(key, local.Version)

	return local.Version, nil
}

// conflictLocked settles diverged records. Strict keys always adopt the
// remote record. Other keys use their merge function or, if there is none,
// the conflict policy.
func (s *Store) conflictLocked(ctx context.Context, key storage.Key, local, remote storage.Record) (uint64, error) {
	s.metrics.Conflicts.Inc()

	if merge := s.mergeFor(key); merge != nil && !s.isStrict(key) {
		payload, err := merge(key, local.Clone(), remote.Clone())
		if err != nil {
			level.Error(s.logger).Log("msg", "failed to merge records", "key", key, "err", err)
			return 0, s.markConflict(key, local, remote)
		}

		return s.installLocked(ctx, key, payload, local.Version, remote.Version)
	}

	if (s.policy == RemoteWins || s.isStrict(key)) && remote.Version >= local.Version {
		if err := s.adoptLocked(ctx, remote); err != nil {
			return 0, err
		}

		level.Warn(s.logger).Log("msg", "local record replaced by remote", "key", key, "local_version", local.Version, "remote_version", remote.Version)

		return remote.Version, &ConflictError{Key: key, Local: local, Remote: remote}
	}

	return 0, s.markConflict(key, local, remote)
}

// installLocked commits payload locally above both versions and pushes it on
// top of the given remote version.
func (s *Store) installLocked(ctx context.Context, key storage.Key, payload []byte, localVersion, remoteVersion uint64) (uint64, error) {
	rec := storage.Record{
		Key:     key,
		Version: max(localVersion, remoteVersion) + 1,
		Payload: payload,
		Synced:  remoteVersion,
	}

	if err := s.local.Repair(ctx, rec); err != nil {
		return 0, fmt.Errorf("commit merged record: %w", err)
	}

	s.update(key, func(ks *keyState) {
		ks.state = StateStale
		ks.pending = true
		ks.localVersion = rec.Version
		ks.remoteVersion = remoteVersion
		ks.remoteKnown = true
		ks.conflict = nil
	})

	return s.syncLocked(ctx, key)
}
