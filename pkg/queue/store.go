package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Selects build requests.
type Filter struct {
	// Only requests of this build set, if non-zero.
	BuildSetID int64

	// Only requests for this builder, if non-empty.
	Builder string

	// Only requests that are not complete.
	Incomplete bool

	// Only requests that have not been merged into another.
	Unmerged bool
}

func (f Filter) match(r *BuildRequest) bool {
	if f.BuildSetID != 0 && r.BuildSetID != f.BuildSetID {
		return false
	}
	if f.Builder != "" && r.Builder != f.Builder {
		return false
	}
	if f.Incomplete && r.Complete {
		return false
	}
	if f.Unmerged && r.MergedInto != 0 {
		return false
	}
	return true
}

// Persistence of build sets and build requests.
//
// Every state change of a request is a compare-and-set keyed by request id,
// so several masters may share one store.
type Store interface {
	// Inserts a build set with its requests and assigns ids.
	// Identical source stamps are stored once.
	InsertBuildSet(ctx context.Context, bs *BuildSet, reqs []*BuildRequest) (int64, error)

	// Returns a build set with its source stamps.
	GetBuildSet(ctx context.Context, id int64) (*BuildSet, error)

	// Returns a build request.
	GetBuildRequest(ctx context.Context, id int64) (*BuildRequest, error)

	// Returns all requests matching the filter, ordered by id.
	ListBuildRequests(ctx context.Context, filter Filter) ([]*BuildRequest, error)

	// Returns the names of builders with incomplete, unmerged and
	// unclaimed (or lease expired) requests.
	PendingBuilders(ctx context.Context, now time.Time) ([]string, error)

	// Claims a request for owner until expires.
	// Returns false if the request is complete, merged or holds a live claim.
	Claim(ctx context.Context, id int64, owner string, now, expires time.Time) (bool, error)

	// Extends the lease of a claim held by owner.
	Renew(ctx context.Context, id int64, owner string, expires time.Time) error

	// Drops the claim held by owner.
	Unclaim(ctx context.Context, id int64, owner string) error

	// Marks request id as merged into survivor.
	// Both must be incomplete, unmerged and without a live claim.
	// Requests previously merged into id are moved to survivor.
	Merge(ctx context.Context, id, survivor int64, now time.Time) (bool, error)

	// Completes a request and every request merged into it.
	// With a non-empty owner the request must be claimed by owner, otherwise
	// it must not hold a live claim.
	Complete(ctx context.Context, id int64, owner string, result protocol.Result, now time.Time) ([]*BuildRequest, error)

	// Marks a build set complete. Returns false if it already was.
	CompleteBuildSet(ctx context.Context, id int64, result protocol.Result, now time.Time) (bool, error)

	Close() error
}

// Store backend selection.
type StoreConfig struct {
	// One of memory, sqlite, postgres or mongodb.
	Driver string `mapstructure:"driver"`

	// Driver specific data source name.
	// A file path for sqlite, a connection URL for postgres and mongodb.
	DSN string `mapstructure:"dsn"`

	// Database name, mongodb only.
	Database string `mapstructure:"database"`

	// Timeout of store operations at startup.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.DSN == "" {
			return fmt.Errorf("%w: queue.dsn is required for driver %s", utils.ErrConfig, c.Driver)
		}
	case "mongodb":
		if c.DSN == "" || c.Database == "" {
			return fmt.Errorf("%w: queue.dsn and queue.database are required for driver mongodb", utils.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown queue driver %q", utils.ErrConfig, c.Driver)
	}
	return nil
}

// Opens the store described by the config.
func NewStore(ctx context.Context, config *StoreConfig) (Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	var (
		store Store
		err   error
	)

	switch config.Driver {
	case "sqlite":
		store, err = NewSqliteStore(ctx, config.DSN)
	case "postgres":
		store, err = NewPostgresStore(ctx, config.DSN)
	case "mongodb":
		store, err = NewMongoStore(ctx, config.DSN, config.Database)
	default:
		store = NewMemoryStore()
	}

	if err != nil {
		return nil, err
	}
	return store, nil
}
