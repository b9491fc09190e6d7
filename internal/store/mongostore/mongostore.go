// Package mongostore implements store.Store on MongoDB.
package mongostore

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"foodbridge/core/internal/db"
	"foodbridge/core/internal/errs"
	"foodbridge/core/internal/geo"
	"foodbridge/core/internal/models"
	"foodbridge/core/internal/store"
)

const (
	ListingsCollection = "listings"
	RequestsCollection = "requests"
	UsersCollection    = "users"
	RatingsCollection  = "ratings"
	MessagesCollection = "messages"
)

type Store struct {
	listings *mongo.Collection
	requests *mongo.Collection
	users    *mongo.Collection
	ratings  *mongo.Collection
	messages *mongo.Collection

	bus     store.Bus
	timeout time.Duration
}

var _ store.Store = (*Store)(nil)

// New wraps database. bus fans out appended chat messages; pass store.NewHub()
// for a single process or a cache.RedisBus when running several API replicas.
func New(database *mongo.Database, bus store.Bus, timeout time.Duration) *Store {
	if bus == nil {
		bus = store.NewHub()
	}
	return &Store{
		listings: database.Collection(ListingsCollection),
		requests: database.Collection(RequestsCollection),
		users:    database.Collection(UsersCollection),
		ratings:  database.Collection(RatingsCollection),
		messages: database.Collection(MessagesCollection),
		bus:      bus,
		timeout:  timeout,
	}
}

// EnsureIndexes creates the indexes the conditional writes and queries rely on.
// The partial unique index on requests is what makes CreateRequest dedup safe
// under concurrency.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := map[*mongo.Collection][]mongo.IndexModel{
		s.requests: {
			{
				Keys: bson.D{{Key: "listing_id", Value: 1}, {Key: "requester_id", Value: 1}},
				Options: options.Index().
					SetName("active_pair").
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"active": true}),
			},
			{Keys: bson.D{{Key: "donor_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "requester_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		s.listings: {
			{Keys: bson.D{{Key: "pickup_location.point", Value: "2dsphere"}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "donor_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		},
		s.ratings: {
			{
				Keys:    bson.D{{Key: "listing_id", Value: 1}, {Key: "rater_id", Value: 1}, {Key: "rated_user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "rated_user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		s.messages: {
			{Keys: bson.D{{Key: "listing_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
	}
	for coll, idx := range specs {
		if _, err := coll.Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func pageFilter(filter bson.M, q store.Query) bson.M {
	if q.After != nil {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": q.After.CreatedAt}},
			bson.M{"created_at": q.After.CreatedAt, "_id": bson.M{"$lt": q.After.ID}},
		}
	}
	return filter
}

func pageOptions(q store.Query) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return opts
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, op string, filter bson.M, opts *options.FindOptions) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, db.Classify(op, coll.Name(), "", err)
	}
	defer cursor.Close(ctx)

	out := []T{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, db.Classify(op, coll.Name(), "", err)
	}
	return out, nil
}

// Listings

func (s *Store) InsertListing(ctx context.Context, l *models.Listing) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := *l
	if doc.RequestedBy == nil {
		doc.RequestedBy = []string{}
	}
	if doc.Images == nil {
		doc.Images = []string{}
	}
	doc.PickupLocation.Point = models.NewPoint(doc.PickupLocation.Latitude, doc.PickupLocation.Longitude)

	if _, err := s.listings.InsertOne(ctx, doc); err != nil {
		return db.Classify("insert", "listing", l.ID, err)
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var l models.Listing
	if err := s.listings.FindOne(ctx, bson.M{"_id": id}).Decode(&l); err != nil {
		return nil, db.Classify("find", "listing", id, err)
	}
	return &l, nil
}

func (s *Store) QueryListings(ctx context.Context, f store.ListingFilter, q store.Query) ([]models.Listing, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if f.DonorID != "" {
		filter["donor_id"] = f.DonorID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	if f.ExpiresAfter != nil {
		filter["expiry_time"] = bson.M{"$gt": *f.ExpiresAfter}
	}
	if f.Near != nil {
		filter["pickup_location.point"] = bson.M{
			"$geoWithin": bson.M{
				"$centerSphere": bson.A{
					bson.A{f.Near.Origin.Longitude, f.Near.Origin.Latitude},
					f.Near.RadiusKm / geo.EarthRadiusKm,
				},
			},
		}
	}

	return findAll[models.Listing](ctx, s.listings, "query", pageFilter(filter, q), pageOptions(q))
}

// exists distinguishes "no such document" from "condition not met" after a
// conditional write matched nothing.
func (s *Store) exists(ctx context.Context, coll *mongo.Collection, kind, id string) error {
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return db.Classify("count", kind, id, err)
	}
	if n == 0 {
		return errs.NotFound(kind, id)
	}
	return nil
}

func (s *Store) UpdateListing(ctx context.Context, id string, u store.ListingUpdate) (*models.Listing, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{"updated_at": u.UpdatedAt}
	unset := bson.M{}
	if u.Title != nil {
		set["title"] = *u.Title
	}
	if u.Description != nil {
		set["description"] = *u.Description
	}
	if u.FoodType != nil {
		set["food_type"] = *u.FoodType
	}
	if u.Quantity != nil {
		set["quantity"] = *u.Quantity
	}
	if u.ExpiryTime != nil {
		set["expiry_time"] = *u.ExpiryTime
	}
	if u.PickupLocation != nil {
		loc := *u.PickupLocation
		loc.Point = models.NewPoint(loc.Latitude, loc.Longitude)
		set["pickup_location"] = loc
	}
	if u.Images != nil {
		set["images"] = u.Images
	}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.ClaimedBy != nil {
		if *u.ClaimedBy == "" {
			unset["claimed_by"] = ""
		} else {
			set["claimed_by"] = *u.ClaimedBy
		}
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	filter := bson.M{"_id": id}
	if len(u.IfStatus) > 0 {
		filter["status"] = bson.M{"$in": u.IfStatus}
	}

	var l models.Listing
	err := s.listings.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&l)
	if err == mongo.ErrNoDocuments && len(u.IfStatus) > 0 {
		if existsErr := s.exists(ctx, s.listings, "listing", id); existsErr != nil {
			return nil, existsErr
		}
		return nil, errs.InvalidState("listing %s is not in %v", id, u.IfStatus)
	}
	if err != nil {
		return nil, db.Classify("update", "listing", id, err)
	}
	return &l, nil
}

func (s *Store) DeleteListing(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.listings.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return db.Classify("delete", "listing", id, err)
	}
	if res.DeletedCount == 0 {
		return errs.NotFound("listing", id)
	}
	return nil
}

// AppendImage pushes url only while images[limit-1] is absent, so concurrent
// uploads cannot overfill the array.
func (s *Store) AppendImage(ctx context.Context, id, url string, limit int, now time.Time) (*models.Listing, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": id}
	if limit > 0 {
		filter[fmt.Sprintf("images.%d", limit-1)] = bson.M{"$exists": false}
	}
	update := bson.M{
		"$push": bson.M{"images": url},
		"$set":  bson.M{"updated_at": now},
	}

	var l models.Listing
	err := s.listings.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&l)
	if err == mongo.ErrNoDocuments {
		if existsErr := s.exists(ctx, s.listings, "listing", id); existsErr != nil {
			return nil, existsErr
		}
		return nil, errs.InvalidState("listing %s already has %d images", id, limit)
	}
	if err != nil {
		return nil, db.Classify("append image", "listing", id, err)
	}
	return &l, nil
}

func (s *Store) AddRequester(ctx context.Context, listingID, requesterID string, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.listings.UpdateOne(ctx, bson.M{"_id": listingID}, bson.M{
		"$addToSet": bson.M{"requested_by": requesterID},
		"$set":      bson.M{"updated_at": now},
	})
	if err != nil {
		return db.Classify("add requester", "listing", listingID, err)
	}
	if res.MatchedCount == 0 {
		return errs.NotFound("listing", listingID)
	}
	return nil
}

func (s *Store) RemoveRequester(ctx context.Context, listingID, requesterID string, now time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.listings.UpdateOne(ctx, bson.M{"_id": listingID, "requested_by": requesterID}, bson.M{
		"$pull": bson.M{"requested_by": requesterID},
		"$set":  bson.M{"updated_at": now},
	})
	if err != nil {
		return false, db.Classify("remove requester", "listing", listingID, err)
	}
	if res.MatchedCount == 0 {
		return false, s.exists(ctx, s.listings, "listing", listingID)
	}
	return true, nil
}

// Requests

func (s *Store) InsertRequest(ctx context.Context, r *models.Request) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := *r
	doc.Active = r.Status.Active()
	if _, err := s.requests.InsertOne(ctx, doc); err != nil {
		if db.IsMongoDuplicateKeyError(err) {
			return errs.DuplicateRequest(r.ListingID, r.RequesterID)
		}
		return db.Classify("insert", "request", r.ID, err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r models.Request
	if err := s.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		return nil, db.Classify("find", "request", id, err)
	}
	return &r, nil
}

func (s *Store) QueryRequests(ctx context.Context, f store.RequestFilter, q store.Query) ([]models.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if len(f.ListingIDs) > 0 {
		filter["listing_id"] = bson.M{"$in": f.ListingIDs}
	}
	if f.RequesterID != "" {
		filter["requester_id"] = f.RequesterID
	}
	if f.DonorID != "" {
		filter["donor_id"] = f.DonorID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	return findAll[models.Request](ctx, s.requests, "query", pageFilter(filter, q), pageOptions(q))
}

func (s *Store) TransitionRequest(ctx context.Context, id string, from, to models.RequestStatus, now time.Time) (*models.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r models.Request
	err := s.requests.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{"status": to, "active": to.Active(), "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&r)
	if err == mongo.ErrNoDocuments {
		if existsErr := s.exists(ctx, s.requests, "request", id); existsErr != nil {
			return nil, existsErr
		}
		return nil, errs.InvalidState("request %s is not %s", id, from)
	}
	if err != nil {
		if db.IsMongoDuplicateKeyError(err) {
			return nil, errs.InvalidState("request %s cannot become %s: another active request exists", id, to)
		}
		return nil, db.Classify("transition", "request", id, err)
	}
	return &r, nil
}

func (s *Store) DeleteRequest(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.requests.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return db.Classify("delete", "request", id, err)
	}
	if res.DeletedCount == 0 {
		return errs.NotFound("request", id)
	}
	return nil
}

func (s *Store) DeleteRequestsForListing(ctx context.Context, listingID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.requests.DeleteMany(ctx, bson.M{"listing_id": listingID})
	if err != nil {
		return 0, db.Classify("delete requests", "listing", listingID, err)
	}
	return int(res.DeletedCount), nil
}

// Users

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var u models.User
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, db.Classify("find", "user", id, err)
	}
	return &u, nil
}

func (s *Store) UpsertUser(ctx context.Context, u *models.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": u.ID}, u, options.Replace().SetUpsert(true))
	return db.Classify("upsert", "user", u.ID, err)
}

// Ratings

func (s *Store) InsertRating(ctx context.Context, r *models.Rating) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.ratings.InsertOne(ctx, r); err != nil {
		if db.IsMongoDuplicateKeyError(err) {
			return errs.InvalidState("user %s already rated %s for listing %s", r.RaterID, r.RatedUserID, r.ListingID)
		}
		return db.Classify("insert", "rating", r.ID, err)
	}
	return nil
}

func (s *Store) QueryRatings(ctx context.Context, ratedUserID string, q store.Query) ([]models.Rating, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return findAll[models.Rating](ctx, s.ratings, "query", pageFilter(bson.M{"rated_user_id": ratedUserID}, q), pageOptions(q))
}

// Messages

func (s *Store) AppendMessage(ctx context.Context, m *models.ChatMessage) error {
	insertCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.messages.InsertOne(insertCtx, m); err != nil {
		return db.Classify("insert", "message", m.ID, err)
	}
	if err := s.bus.Publish(ctx, *m); err != nil {
		// The message is stored; live viewers catch up on their next fetch.
		log.Printf("WARN: failed to publish chat message %s for listing %s: %v", m.ID, m.ListingID, err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, listingID string, limit int) ([]models.ChatMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	msgs, err := findAll[models.ChatMessage](ctx, s.messages, "list", bson.M{"listing_id": listingID}, opts)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *Store) Subscribe(ctx context.Context, listingID string, fn func(models.ChatMessage)) (store.Unsubscribe, error) {
	return s.bus.Subscribe(ctx, listingID, fn)
}
