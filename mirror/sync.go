package mirror

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/remote"
)

// SyncReport summarizes a SyncChanges pass
type SyncReport struct {
	Created int
	Updated int
	Deleted int
	// Failed holds the changes that were not synced, by local key
	Failed map[identity.LocalKey]error
}

// outgoing is a pending change read for a sync pass
type outgoing struct {
	info   identity.RelationshipInfo
	props  identity.Properties
	source identity.RemoteID
	target identity.RemoteID
}

// SyncChanges pushes pending changes to the remote service one by one in
// change order: the changes held by the named roots, or every pending
// change when none is named. A failed change does not stop the pass; a new
// relationship whose endpoint failed is not sent and fails with
// errors.ErrDependencyNotSynced. Failed changes stay pending for the next
// pass.
func (c *Cache) SyncChanges(ctx context.Context, roots ...string) (SyncReport, error) {
	report := SyncReport{Failed: make(map[identity.LocalKey]error)}
	if c.remote == nil {
		return report, errors.WrapInvalid(errors.ErrNoConnection, "mirror", "SyncChanges", "no remote client")
	}

	batch, err := Do(ctx, c, "sync.prepare", func(s *Session) ([]outgoing, error) {
		return s.prepareSync(roots)
	}).Wait(ctx)
	if err != nil {
		return report, err
	}
	defer c.resetSync()

	assigned := make(map[identity.LocalKey]string)
	var errs []error
	for _, o := range batch {
		if ctx.Err() != nil {
			errs = append(errs, errors.Canceled(ctx, "mirror", "SyncChanges"))
			break
		}
		if err := c.push(ctx, o, assigned, report.Failed); err != nil {
			report.Failed[o.info.Key] = err
			errs = append(errs, fmt.Errorf("%s: %w", o.info.Remote, err))
			if errors.IsDependencyNotSynced(err) {
				c.metrics.RecordSync("dependency_not_synced")
			} else {
				c.metrics.RecordSync("failed")
			}
			c.logger.Warn("change not synced", "local_key", o.info.Key, "remote_id", o.info.Remote,
				"change", o.info.ChangeStatus, "error", err)
			continue
		}
		c.metrics.RecordSync("synced")
		switch o.info.ChangeStatus {
		case identity.Created:
			report.Created++
		case identity.Modified:
			report.Updated++
		case identity.Deleted:
			report.Deleted++
		}
	}

	c.logger.Info("changes synced", "created", report.Created, "updated", report.Updated,
		"deleted", report.Deleted, "failed", len(report.Failed))
	return report, stderrors.Join(errs...)
}

func (s *Session) prepareSync(roots []string) ([]outgoing, error) {
	if _, err := s.MarkReady(roots...); err != nil {
		return nil, err
	}
	pending, err := s.Pending(true)
	if err != nil {
		return nil, err
	}

	batch := make([]outgoing, 0, len(pending))
	keys := make([]identity.LocalKey, 0, len(pending))
	for _, info := range pending {
		o := outgoing{info: info}
		if info.ChangeStatus != identity.Deleted {
			if o.props, err = s.ReadProperties(info.Key); err != nil {
				return nil, err
			}
		}
		if !info.Source.IsZero() {
			src, err := s.ReadInfoByKey(info.Source)
			if err != nil {
				return nil, err
			}
			tgt, err := s.ReadInfoByKey(info.Target)
			if err != nil {
				return nil, err
			}
			o.source, o.target = src.Remote, tgt.Remote
		}
		batch = append(batch, o)
		keys = append(keys, info.Key)
	}
	return batch, s.c.tracker.MarkSyncing(s.tx, keys...)
}

// push sends one change and commits the answer
func (c *Cache) push(ctx context.Context, o outgoing, assigned map[identity.LocalKey]string, failed map[identity.LocalKey]error) error {
	info := o.info
	obj := remote.Object{Remote: info.Remote, Properties: o.props}
	// an accepted change is committed even when ctx ends meanwhile
	commitCtx := context.WithoutCancel(ctx)

	switch info.ChangeStatus {
	case identity.Created:
		if !info.Source.IsZero() {
			var err error
			if obj.Source, err = endpoint(info.Source, o.source, assigned, failed); err != nil {
				return err
			}
			if obj.Target, err = endpoint(info.Target, o.target, assigned, failed); err != nil {
				return err
			}
		}
		id, err := c.remote.CreateObject(ctx, obj)
		if err != nil {
			return err
		}
		_, err = Do(commitCtx, c, "sync.created", func(s *Session) (identity.EntityInfo, error) {
			return s.c.tracker.CommitCreated(s.tx, info.Key, id, o.props)
		}).Wait(commitCtx)
		if err == nil {
			assigned[info.Key] = id
		}
		return err

	case identity.Modified:
		if err := c.remote.UpdateObject(ctx, obj); err != nil {
			return err
		}
		_, err := Do(commitCtx, c, "sync.modified", func(s *Session) (identity.EntityInfo, error) {
			return s.c.tracker.CommitModified(s.tx, info.Key, o.props)
		}).Wait(commitCtx)
		return err

	case identity.Deleted:
		err := c.remote.DeleteObject(ctx, info.Remote)
		if up, ok := errors.AsUpstream(err); ok && up.Code == remote.CodeNotFound {
			err = nil
		}
		if err != nil {
			return err
		}
		_, err = c.Submit(commitCtx, "sync.deleted", func(s *Session) error {
			return s.c.tracker.CommitDeleted(s.tx, info.Key)
		}).Wait(commitCtx)
		return err

	default:
		return errors.Inconsistency("mirror", "SyncChanges", "%s has no pending change", info.Remote)
	}
}

// endpoint resolves the remote id of a relationship endpoint, which may
// have been created earlier in the same pass
func endpoint(key identity.LocalKey, id identity.RemoteID, assigned map[identity.LocalKey]string, failed map[identity.LocalKey]error) (identity.RemoteID, error) {
	if err, ok := failed[key]; ok {
		return identity.RemoteID{}, errors.DependencyNotSynced("mirror", "SyncChanges", err)
	}
	if created, ok := assigned[key]; ok {
		id.ID = created
	}
	if !id.Assigned() {
		return identity.RemoteID{}, errors.DependencyNotSynced("mirror", "SyncChanges",
			errors.NotFound("mirror", "SyncChanges", "endpoint %s was never synced", key))
	}
	return id, nil
}

// resetSync returns the changes of an ended pass to NotReady
func (c *Cache) resetSync() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Writer.StopTimeout)
	defer cancel()
	_, err := Do(ctx, c, "sync.reset", func(s *Session) (int, error) {
		return s.c.tracker.ResetSyncStatus(s.tx)
	}).Wait(ctx)
	if err != nil {
		c.logger.Warn("sync status not reset", "error", err)
	}
}
