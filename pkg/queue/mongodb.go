package queue

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Store backed by MongoDB.
//
// Claims are single document updates filtered on the claim owner and
// lease. Merging and completion touch several documents and run in
// transactions, so the server must be a replica set member or a mongos.
type mongoStore struct {
	client       *mongo.Client
	buildsets    *mongo.Collection
	requests     *mongo.Collection
	sourcestamps *mongo.Collection
	counters     *mongo.Collection
}

type mongoSourceStamp struct {
	Hash        string `bson:"hash"`
	SourceStamp `bson:",inline"`
}

func NewMongoStore(ctx context.Context, uri, database string) (*mongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to mongo")
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "error pinging mongo")
	}

	db := client.Database(database)
	s := &mongoStore{
		client:       client,
		buildsets:    db.Collection("buildsets"),
		requests:     db.Collection("buildrequests"),
		sourcestamps: db.Collection("sourcestamps"),
		counters:     db.Collection("counters"),
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Debugf("new - store - driver: mongodb, database: %s", database)

	return s, nil
}

func (s *mongoStore) createIndexes(ctx context.Context) error {
	unique := true

	if _, err := s.buildsets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.M{"id": 1},
		Options: &options.IndexOptions{Unique: &unique},
	}); err != nil {
		return errors.Wrap(err, "error adding indexes to buildsets collection")
	}

	if _, err := s.sourcestamps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.M{"hash": 1},
		Options: &options.IndexOptions{Unique: &unique},
	}); err != nil {
		return errors.Wrap(err, "error adding indexes to sourcestamps collection")
	}

	if _, err := s.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.M{"id": 1},
			Options: &options.IndexOptions{Unique: &unique},
		},
		{
			Keys: bson.D{{Key: "builder", Value: 1}, {Key: "complete", Value: 1}},
		},
		{
			Keys: bson.M{"buildset_id": 1},
		},
		{
			Keys: bson.M{"merged_into": 1},
		},
	}); err != nil {
		return errors.Wrap(err, "error adding indexes to buildrequests collection")
	}

	return nil
}

func (s *mongoStore) nextID(ctx context.Context, name string) (int64, error) {
	counter := struct {
		Seq int64 `bson:"seq"`
	}{}

	err := s.counters.FindOneAndUpdate(
		ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, errors.Wrapf(err, "error allocating %s id", name)
	}
	return counter.Seq, nil
}

func (s *mongoStore) insertSourceStamp(ctx context.Context, ss *SourceStamp) error {
	hash := ss.Hash()

	id, err := s.nextID(ctx, "sourcestamps")
	if err != nil {
		return err
	}

	doc := mongoSourceStamp{Hash: hash, SourceStamp: *ss}
	doc.ID = id

	if _, err := s.sourcestamps.UpdateOne(
		ctx,
		bson.M{"hash": hash},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	); err != nil {
		return errors.Wrap(err, "error inserting source stamp")
	}

	// Another build set may have stored it first
	existing := mongoSourceStamp{}
	if err := s.sourcestamps.FindOne(ctx, bson.M{"hash": hash}).Decode(&existing); err != nil {
		return errors.Wrap(err, "error reading source stamp")
	}
	ss.ID = existing.ID
	return nil
}

func (s *mongoStore) InsertBuildSet(ctx context.Context, bs *BuildSet, reqs []*BuildRequest) (int64, error) {
	for _, ss := range bs.SourceStamps {
		if err := s.insertSourceStamp(ctx, ss); err != nil {
			return 0, err
		}
	}

	id, err := s.nextID(ctx, "buildsets")
	if err != nil {
		return 0, err
	}
	bs.ID = id

	docs := make([]interface{}, 0, len(reqs))
	for _, req := range reqs {
		if req.ID, err = s.nextID(ctx, "buildrequests"); err != nil {
			return 0, err
		}
		req.BuildSetID = bs.ID
		docs = append(docs, req)
	}

	// Requests are inserted first so that a build set is never visible
	// without them.
	if _, err := s.requests.InsertMany(ctx, docs); err != nil {
		return 0, errors.Wrapf(err, "error inserting requests of buildset %d", bs.ID)
	}

	if _, err := s.buildsets.InsertOne(ctx, bs); err != nil {
		return 0, errors.Wrapf(err, "error inserting buildset %d", bs.ID)
	}

	return bs.ID, nil
}

func (s *mongoStore) GetBuildSet(ctx context.Context, id int64) (*BuildSet, error) {
	bs := BuildSet{}
	res := s.buildsets.FindOne(ctx, bson.M{"id": id})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, errors.Wrapf(utils.ErrNotFound, "buildset %d", id)
	}
	if res.Err() != nil {
		return nil, errors.Wrapf(res.Err(), "error finding buildset %d", id)
	}
	if err := res.Decode(&bs); err != nil {
		return nil, errors.Wrapf(err, "error decoding buildset %d", id)
	}
	return &bs, nil
}

func (s *mongoStore) GetBuildRequest(ctx context.Context, id int64) (*BuildRequest, error) {
	req := BuildRequest{}
	res := s.requests.FindOne(ctx, bson.M{"id": id})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, errors.Wrapf(utils.ErrNotFound, "buildrequest %d", id)
	}
	if res.Err() != nil {
		return nil, errors.Wrapf(res.Err(), "error finding buildrequest %d", id)
	}
	if err := res.Decode(&req); err != nil {
		return nil, errors.Wrapf(err, "error decoding buildrequest %d", id)
	}
	return &req, nil
}

func (s *mongoStore) find(ctx context.Context, criteria bson.M) ([]*BuildRequest, error) {
	cur, err := s.requests.Find(ctx, criteria, options.Find().SetSort(bson.M{"id": 1}))
	if err != nil {
		return nil, errors.Wrap(err, "error finding build requests")
	}

	reqs := []*BuildRequest{}
	if err := cur.All(ctx, &reqs); err != nil {
		return nil, errors.Wrap(err, "error decoding build requests")
	}
	return reqs, nil
}

func (s *mongoStore) ListBuildRequests(ctx context.Context, filter Filter) ([]*BuildRequest, error) {
	criteria := bson.M{}
	if filter.BuildSetID != 0 {
		criteria["buildset_id"] = filter.BuildSetID
	}
	if filter.Builder != "" {
		criteria["builder"] = filter.Builder
	}
	if filter.Incomplete {
		criteria["complete"] = false
	}
	if filter.Unmerged {
		criteria["merged_into"] = int64(0)
	}
	return s.find(ctx, criteria)
}

// Matches requests without a live claim.
func unclaimedAt(now time.Time) bson.A {
	return bson.A{
		bson.M{"claimed_by": ""},
		bson.M{"lease_expires": bson.M{"$lte": now}},
	}
}

func (s *mongoStore) PendingBuilders(ctx context.Context, now time.Time) ([]string, error) {
	values, err := s.requests.Distinct(ctx, "builder", bson.M{
		"complete":    false,
		"merged_into": int64(0),
		"$or":         unclaimedAt(now),
	})
	if err != nil {
		return nil, errors.Wrap(err, "error listing pending builders")
	}

	builders := make([]string, 0, len(values))
	for _, value := range values {
		if builder, ok := value.(string); ok {
			builders = append(builders, builder)
		}
	}
	sort.Strings(builders)
	return builders, nil
}

func (s *mongoStore) Claim(ctx context.Context, id int64, owner string, now, expires time.Time) (bool, error) {
	res, err := s.requests.UpdateOne(
		ctx,
		bson.M{
			"id":          id,
			"complete":    false,
			"merged_into": int64(0),
			"$or":         unclaimedAt(now),
		},
		bson.M{
			"$set": bson.M{
				"claimed_by":    owner,
				"claimed_at":    now,
				"lease_expires": expires,
			},
			"$inc": bson.M{"attempts": 1},
		},
	)
	if err != nil {
		return false, errors.Wrapf(err, "error claiming buildrequest %d", id)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	if _, err := s.GetBuildRequest(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *mongoStore) updateClaimed(ctx context.Context, id int64, owner string, update bson.M) error {
	res, err := s.requests.UpdateOne(
		ctx,
		bson.M{
			"id":         id,
			"claimed_by": owner,
			"complete":   false,
		},
		update,
	)
	if err != nil {
		return errors.Wrapf(err, "error updating buildrequest %d", id)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	if _, err := s.GetBuildRequest(ctx, id); err != nil {
		return err
	}
	return errors.Wrapf(utils.ErrLeaseLost, "buildrequest %d, owner %s", id, owner)
}

func (s *mongoStore) Renew(ctx context.Context, id int64, owner string, expires time.Time) error {
	return s.updateClaimed(ctx, id, owner, bson.M{
		"$set": bson.M{"lease_expires": expires},
	})
}

func (s *mongoStore) Unclaim(ctx context.Context, id int64, owner string) error {
	return s.updateClaimed(ctx, id, owner, bson.M{
		"$set": bson.M{
			"claimed_by":    "",
			"claimed_at":    time.Time{},
			"lease_expires": time.Time{},
		},
	})
}

// Runs fn in a transaction, retrying it on transient errors.
func (s *mongoStore) transaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "error starting mongo session")
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// The survivor is written, not just read, so that a concurrent claim,
// merge or completion of it conflicts with this transaction.
func (s *mongoStore) Merge(ctx context.Context, id, survivor int64, now time.Time) (bool, error) {
	if id == survivor {
		return false, nil
	}

	merged := false

	err := s.transaction(ctx, func(sc mongo.SessionContext) error {
		merged = false

		res, err := s.requests.UpdateOne(
			sc,
			bson.M{
				"id":          survivor,
				"complete":    false,
				"merged_into": int64(0),
				"$or":         unclaimedAt(now),
			},
			bson.M{"$inc": bson.M{"merges": 1}},
		)
		if err != nil {
			return errors.Wrapf(err, "error locking buildrequest %d", survivor)
		}
		if res.MatchedCount == 0 {
			return nil
		}

		res, err = s.requests.UpdateOne(
			sc,
			bson.M{
				"id":          id,
				"complete":    false,
				"merged_into": int64(0),
				"$or":         unclaimedAt(now),
			},
			bson.M{"$set": bson.M{"merged_into": survivor}},
		)
		if err != nil {
			return errors.Wrapf(err, "error merging buildrequest %d into %d", id, survivor)
		}
		if res.MatchedCount == 0 {
			return errMergeRejected
		}

		if _, err := s.requests.UpdateMany(
			sc,
			bson.M{"merged_into": id, "complete": false},
			bson.M{"$set": bson.M{"merged_into": survivor}},
		); err != nil {
			return errors.Wrapf(err, "error moving requests merged into %d", id)
		}

		merged = true
		return nil
	})
	if errors.Is(err, errMergeRejected) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return merged, nil
}

// Aborts a merge transaction without reporting an error.
var errMergeRejected = errors.New("merge rejected")

func (s *mongoStore) Complete(ctx context.Context, id int64, owner string, result protocol.Result, now time.Time) ([]*BuildRequest, error) {
	var completed []*BuildRequest

	err := s.transaction(ctx, func(sc mongo.SessionContext) error {
		var err error
		completed, err = s.complete(sc, id, owner, result, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func (s *mongoStore) complete(ctx context.Context, id int64, owner string, result protocol.Result, now time.Time) ([]*BuildRequest, error) {
	filter := bson.M{
		"id":         id,
		"complete":   false,
		"claimed_by": owner,
	}
	if owner == "" {
		delete(filter, "claimed_by")
		filter["$or"] = unclaimedAt(now)
	}

	completion := bson.M{
		"$set": bson.M{
			"complete":     true,
			"completed_at": now,
			"results":      result,
		},
	}

	res, err := s.requests.UpdateOne(ctx, filter, completion)
	if err != nil {
		return nil, errors.Wrapf(err, "error completing buildrequest %d", id)
	}
	if res.MatchedCount == 0 {
		req, err := s.GetBuildRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Complete {
			return nil, errors.Wrapf(utils.ErrTerminalBuild, "buildrequest %d", id)
		}
		return nil, errors.Wrapf(utils.ErrLeaseLost, "buildrequest %d, owner %s", id, owner)
	}

	merged, err := s.find(ctx, bson.M{"merged_into": id, "complete": false})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(merged)+1)
	ids = append(ids, id)
	for _, req := range merged {
		ids = append(ids, req.ID)
	}

	if _, err := s.requests.UpdateMany(
		ctx,
		bson.M{"id": bson.M{"$in": ids[1:]}, "complete": false},
		completion,
	); err != nil {
		return nil, errors.Wrapf(err, "error completing requests merged into %d", id)
	}

	completed, err := s.find(ctx, bson.M{"id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}

	// The real request comes first
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].ID == id && completed[j].ID != id
	})
	return completed, nil
}

func (s *mongoStore) CompleteBuildSet(ctx context.Context, id int64, result protocol.Result, now time.Time) (bool, error) {
	res, err := s.buildsets.UpdateOne(
		ctx,
		bson.M{"id": id, "complete": false},
		bson.M{
			"$set": bson.M{
				"complete":     true,
				"completed_at": now,
				"results":      result,
			},
		},
	)
	if err != nil {
		return false, errors.Wrapf(err, "error completing buildset %d", id)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	if _, err := s.GetBuildSet(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *mongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
