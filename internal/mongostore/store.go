// Package mongostore is the MongoDB implementation of
// tracking.Store. Documents keep the field names of the sessions
// and page_tracks collections.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wesm/sessiontrack/internal/tracking"
)

const (
	sessionsCollection   = "sessions"
	pageTracksCollection = "page_tracks"
)

// Store holds the sessions and page_tracks collections.
type Store struct {
	client   *mongo.Client
	sessions *mongo.Collection
	visits   *mongo.Collection
}

var _ tracking.Store = (*Store)(nil)
var _ tracking.Pruner = (*Store)(nil)

// Connect dials uri, verifies the connection and prepares indexes
// in the named database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classify(fmt.Errorf("failed to ping mongodb: %w", err))
	}
	s := New(client.Database(database))
	s.client = client
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle.
func New(db *mongo.Database) *Store {
	return &Store{
		sessions: db.Collection(sessionsCollection),
		visits:   db.Collection(pageTracksCollection),
	}
}

// EnsureIndexes creates the lookup indexes and the partial unique
// index that allows one open session per (app, username).
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "app", Value: 1}, {Key: "username", Value: 1},
			},
			Options: options.Index().
				SetName("one_open_session").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"open": true}),
		},
		{
			Keys: bson.D{
				{Key: "app", Value: 1}, {Key: "created_at", Value: 1},
			},
		},
	})
	if err != nil {
		return classify(fmt.Errorf("failed to create session indexes: %w", err))
	}

	_, err = s.visits.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "app", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return classify(fmt.Errorf("failed to create page_tracks index: %w", err))
	}
	return nil
}

// Close disconnects the client if Connect created it.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// InsertSession stores a new session document.
func (s *Store) InsertSession(ctx context.Context, sess *tracking.Session) error {
	_, err := s.sessions.InsertOne(ctx, toSessionDoc(sess))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf(
				"%w: %s/%s", tracking.ErrDuplicateActiveSession,
				sess.App, sess.User,
			)
		}
		return classify(fmt.Errorf("failed to insert session: %w", err))
	}
	return nil
}

// UpdateSessionAtomic reads the session, applies mutate, and
// writes back with an UpdateOne filtered on the status and version
// that were read. A zero match count means another writer won.
func (s *Store) UpdateSessionAtomic(
	ctx context.Context, id string, expected tracking.Status,
	mutate func(*tracking.Session) error,
) (bool, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"session_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, classify(fmt.Errorf("failed to load session: %w", err))
	}
	if tracking.Status(doc.Status) != expected {
		return false, nil
	}

	cur := doc.toSession()
	prevVersion := cur.Version
	prevEvents := len(cur.Events)
	if err := mutate(cur); err != nil {
		return false, err
	}

	next := toSessionDoc(cur)
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{
			"session_id": id,
			"status":     string(expected),
			"version":    prevVersion,
		},
		bson.M{
			"$set": bson.M{
				"status":            next.Status,
				"open":              next.Open,
				"ended_at":          next.EndedAt,
				"last_active_at":    next.LastActiveAt,
				"total_active_time": next.TotalActiveTime,
				"version":           next.Version,
			},
			"$push": bson.M{
				"events": bson.M{"$each": next.Events[prevEvents:]},
			},
		},
	)
	if err != nil {
		return false, classify(fmt.Errorf("failed to update session: %w", err))
	}
	return res.MatchedCount == 1, nil
}

// GetSession returns a session by id, or nil.
func (s *Store) GetSession(ctx context.Context, id string) (*tracking.Session, error) {
	return s.findOne(ctx, bson.M{"session_id": id})
}

// FindOpenSession returns the open session of (app, user), or nil.
func (s *Store) FindOpenSession(
	ctx context.Context, app, user string,
) (*tracking.Session, error) {
	return s.findOne(ctx, bson.M{"app": app, "username": user, "open": true})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*tracking.Session, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to find session: %w", err))
	}
	return doc.toSession(), nil
}

// QuerySessions returns matching sessions ordered by created_at.
func (s *Store) QuerySessions(
	ctx context.Context, app, user string, r *tracking.TimeRange,
) ([]tracking.Session, error) {
	filter := scopeFilter(app, user, "username", "created_at", r)
	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1}, {Key: "session_id", Value: 1},
	})
	cursor, err := s.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query sessions: %w", err))
	}
	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(fmt.Errorf("failed to decode sessions: %w", err))
	}
	out := make([]tracking.Session, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].toSession())
	}
	return out, nil
}

// InsertVisit stores one page_tracks document.
func (s *Store) InsertVisit(ctx context.Context, v *tracking.PageVisit) error {
	if _, err := s.visits.InsertOne(ctx, toVisitDoc(v)); err != nil {
		return classify(fmt.Errorf("failed to insert page visit: %w", err))
	}
	return nil
}

// QueryVisits returns matching visits in insertion order.
func (s *Store) QueryVisits(
	ctx context.Context, app, user string, r *tracking.TimeRange,
) ([]tracking.PageVisit, error) {
	filter := scopeFilter(app, user, "user_id", "timestamp", r)
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.visits.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query page visits: %w", err))
	}
	var docs []visitDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(fmt.Errorf("failed to decode page visits: %w", err))
	}
	out := make([]tracking.PageVisit, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toVisit())
	}
	return out, nil
}

// Prune deletes ended sessions created before the cutoff and page
// visits recorded before it.
func (s *Store) Prune(
	ctx context.Context, before time.Time, dryRun bool,
) (tracking.PruneResult, error) {
	sessFilter := bson.M{
		"status":     string(tracking.StatusEnded),
		"created_at": bson.M{"$lt": before.UTC()},
	}
	visitFilter := bson.M{"timestamp": bson.M{"$lt": before.UTC()}}

	var res tracking.PruneResult
	if dryRun {
		n, err := s.sessions.CountDocuments(ctx, sessFilter)
		if err != nil {
			return res, classify(fmt.Errorf("failed to count sessions: %w", err))
		}
		m, err := s.visits.CountDocuments(ctx, visitFilter)
		if err != nil {
			return res, classify(fmt.Errorf("failed to count page visits: %w", err))
		}
		return tracking.PruneResult{Sessions: int(n), Visits: int(m)}, nil
	}

	dr, err := s.sessions.DeleteMany(ctx, sessFilter)
	if err != nil {
		return res, classify(fmt.Errorf("failed to delete sessions: %w", err))
	}
	res.Sessions = int(dr.DeletedCount)
	dr, err = s.visits.DeleteMany(ctx, visitFilter)
	if err != nil {
		return res, classify(fmt.Errorf("failed to delete page visits: %w", err))
	}
	res.Visits = int(dr.DeletedCount)
	return res, nil
}

// scopeFilter builds the app/user/time filter shared by queries.
func scopeFilter(
	app, user, userField, timeField string, r *tracking.TimeRange,
) bson.M {
	filter := bson.M{"app": app}
	if !tracking.AllUsers(user) {
		filter[userField] = user
	}
	if r != nil {
		cond := bson.M{}
		if !r.From.IsZero() {
			cond["$gt"] = r.From.UTC()
		}
		if !r.To.IsZero() {
			cond["$lte"] = r.To.UTC()
		}
		if len(cond) > 0 {
			filter[timeField] = cond
		}
	}
	return filter
}

// classify maps transient driver failures to
// tracking.ErrStoreUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %w", tracking.ErrStoreUnavailable, err)
	}
	return err
}
