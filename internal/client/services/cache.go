package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/client/remote"
	"github.com/dmitrijs2005/fieldsync/internal/client/store"
	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
)

// RemoteReader is the part of the remote source the cache reads from.
type RemoteReader interface {
	Query(ctx context.Context, table string, filter map[string]any) ([]remote.Row, error)
}

// CacheService refreshes the reference data kept on the device: projects,
// the user profile and the archive listing. A failed fetch leaves the cached
// copy as it was.
type CacheService interface {
	RefreshProjects(ctx context.Context) (int, error)
	RefreshProfile(ctx context.Context) (*models.UserProfile, error)
	RefreshArchive(ctx context.Context) (int, error)
	RefreshAll(ctx context.Context) (CacheReport, error)
}

// CacheReport counts what RefreshAll stored.
type CacheReport struct {
	Projects int  `json:"projects"`
	Archive  int  `json:"archive"`
	Profile  bool `json:"profile"`
}

type cacheService struct {
	store  *store.Store
	remote RemoteReader
	logger logging.Logger
}

func NewCacheService(st *store.Store, rr RemoteReader, l logging.Logger) CacheService {
	return &cacheService{store: st, remote: rr, logger: l.With("module", "cache")}
}

func (s *cacheService) RefreshProjects(ctx context.Context) (int, error) {
	items, err := fetchRows(ctx, s, remote.TableProjects, func(p *models.Project, id string) { p.ID = id })
	if err != nil {
		return 0, err
	}
	if err := s.store.Projects().Replace(ctx, items); err != nil {
		return 0, fmt.Errorf("error saving projects: %w", err)
	}
	return len(items), nil
}

func (s *cacheService) RefreshArchive(ctx context.Context) (int, error) {
	items, err := fetchRows(ctx, s, remote.TableArchive, func(a *models.ArchiveEntry, id string) { a.ID = id })
	if err != nil {
		return 0, err
	}
	if err := s.store.Archive().Replace(ctx, items); err != nil {
		return 0, fmt.Errorf("error saving archive: %w", err)
	}
	return len(items), nil
}

// RefreshProfile stores the first profile row under models.UserProfileID.
// It returns common.ErrNotFound when the remote has none.
func (s *cacheService) RefreshProfile(ctx context.Context) (*models.UserProfile, error) {
	items, err := fetchRows(ctx, s, remote.TableProfiles, func(p *models.UserProfile, id string) {
		if p.UserID == "" {
			p.UserID = id
		}
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("user profile: %w", common.ErrNotFound)
	}

	p := items[0]
	p.ID = models.UserProfileID
	if err := s.store.UserProfile().Put(ctx, p); err != nil {
		return nil, fmt.Errorf("error saving profile: %w", err)
	}
	return p, nil
}

// RefreshAll refreshes every cached collection. A missing profile is not an
// error; other failures are joined.
func (s *cacheService) RefreshAll(ctx context.Context) (CacheReport, error) {
	var rep CacheReport
	var errs []error

	n, err := s.RefreshProjects(ctx)
	rep.Projects = n
	errs = append(errs, err)

	n, err = s.RefreshArchive(ctx)
	rep.Archive = n
	errs = append(errs, err)

	_, err = s.RefreshProfile(ctx)
	rep.Profile = err == nil
	if !errors.Is(err, common.ErrNotFound) {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return rep, err
	}
	s.logger.Debug(ctx, "cache refreshed", "projects", rep.Projects, "archive", rep.Archive, "profile", rep.Profile)
	return rep, nil
}

// fetchRows reads a remote table and decodes its live rows. Rows that do not
// decode are skipped.
func fetchRows[T any](ctx context.Context, s *cacheService, table string, setID func(v *T, id string)) ([]*T, error) {
	rows, err := s.remote.Query(ctx, table, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrFetchFailed, table, err)
	}

	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		if row.Deleted {
			continue
		}
		v := new(T)
		data, err := json.Marshal(row.Data)
		if err == nil {
			err = json.Unmarshal(data, v)
		}
		if err != nil {
			s.logger.Warn(ctx, "skipping malformed row", "table", table, "id", row.ID, "error", err)
			continue
		}
		setID(v, row.ID)
		out = append(out, v)
	}
	return out, nil
}
