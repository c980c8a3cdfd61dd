// Package queue implements the per-venue queue store on Redis. The
// membership set, the two tier lists and the entries hash are only ever
// mutated together inside Lua scripts, so a separate check-then-add race
// window cannot exist between concurrent admissions.
package queue

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/tunequeue/backend/internal/models"
)

//go:embed try_insert.lua
var tryInsertScript string

//go:embed remove.lua
var removeScript string

type Store struct {
	redis *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{redis: rdb}
}

func membersKey(venueID string) string  { return fmt.Sprintf("queue:%s:members", venueID) }
func priorityKey(venueID string) string { return fmt.Sprintf("queue:%s:priority", venueID) }
func standardKey(venueID string) string { return fmt.Sprintf("queue:%s:standard", venueID) }
func entriesKey(venueID string) string  { return fmt.Sprintf("queue:%s:entries", venueID) }
func sequenceKey(venueID string) string { return fmt.Sprintf("queue:%s:seq", venueID) }

func storeKeys(venueID string) []string {
	return []string{
		membersKey(venueID),
		priorityKey(venueID),
		standardKey(venueID),
		entriesKey(venueID),
	}
}

// NextSequence allocates the next per-venue ordering sequence. The counter
// only ever moves forward; a sequence allocated for an admission that later
// fails leaves a gap, which is fine.
func (s *Store) NextSequence(ctx context.Context, venueID string) (int64, error) {
	seq, err := s.redis.Incr(ctx, sequenceKey(venueID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue store: sequence allocation failed: %w", err)
	}
	return seq, nil
}

// TryInsert checks membership and inserts in one script call. Returns
// inserted=false without mutating anything when the track is already queued
// or playing. Position is 1-based across both tiers, priority first.
func (s *Store) TryInsert(ctx context.Context, venueID string, entry models.QueueEntry) (bool, int, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, 0, err
	}

	result, err := s.redis.Eval(ctx, tryInsertScript, storeKeys(venueID),
		entry.TrackID, entry.ID, string(raw), entry.Tier).Result()
	if err != nil {
		return false, 0, fmt.Errorf("queue store: insert failed: %w", err)
	}

	resArray, ok := result.([]interface{})
	if !ok || len(resArray) < 2 {
		return false, 0, errors.New("queue store: unexpected script response")
	}

	if resArray[0].(int64) != 1 {
		return false, 0, nil
	}
	return true, int(resArray[1].(int64)), nil
}

// Remove takes the entry out of its tier list and its track out of the
// members set in one script call. Returns the removed entry so callers can
// read CostPaid and RequestedBy for refunds and ownership checks.
func (s *Store) Remove(ctx context.Context, venueID, entryID string) (bool, *models.QueueEntry, error) {
	result, err := s.redis.Eval(ctx, removeScript, storeKeys(venueID), entryID).Result()
	if err != nil {
		return false, nil, fmt.Errorf("queue store: remove failed: %w", err)
	}

	resArray, ok := result.([]interface{})
	if !ok || len(resArray) < 2 {
		return false, nil, errors.New("queue store: unexpected script response")
	}

	if resArray[0].(int64) != 1 {
		return false, nil, nil
	}

	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(resArray[1].(string)), &entry); err != nil {
		return false, nil, fmt.Errorf("queue store: corrupt entry %s: %w", entryID, err)
	}
	return true, &entry, nil
}

// GetEntry reads one entry without touching the ordered lists.
func (s *Store) GetEntry(ctx context.Context, venueID, entryID string) (*models.QueueEntry, error) {
	raw, err := s.redis.HGet(ctx, entriesKey(venueID), entryID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue store: entry lookup failed: %w", err)
	}

	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("queue store: corrupt entry %s: %w", entryID, err)
	}
	return &entry, nil
}

// IsMember reports whether a track currently has a live entry. This is a
// precheck only; the authoritative duplicate guard is inside TryInsert.
func (s *Store) IsMember(ctx context.Context, venueID, trackID string) (bool, error) {
	member, err := s.redis.SIsMember(ctx, membersKey(venueID), trackID).Result()
	if err != nil {
		return false, fmt.Errorf("queue store: membership check failed: %w", err)
	}
	return member, nil
}

// Snapshot returns both tier sequences and aggregate counts. Reads are not
// serialized against writers; the result reflects some valid state.
func (s *Store) Snapshot(ctx context.Context, venueID string) (*models.QueueSnapshot, error) {
	priorityIDs, err := s.redis.LRange(ctx, priorityKey(venueID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue store: snapshot failed: %w", err)
	}
	standardIDs, err := s.redis.LRange(ctx, standardKey(venueID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue store: snapshot failed: %w", err)
	}

	priorityEntries, err := s.fetchEntries(ctx, venueID, priorityIDs)
	if err != nil {
		return nil, err
	}
	standardEntries, err := s.fetchEntries(ctx, venueID, standardIDs)
	if err != nil {
		return nil, err
	}

	return &models.QueueSnapshot{
		PriorityEntries: priorityEntries,
		StandardEntries: standardEntries,
		Stats: models.QueueStats{
			Total:    len(priorityEntries) + len(standardEntries),
			Priority: len(priorityEntries),
			Standard: len(standardEntries),
		},
	}, nil
}

func (s *Store) fetchEntries(ctx context.Context, venueID string, entryIDs []string) ([]models.QueueEntry, error) {
	entries := []models.QueueEntry{}
	if len(entryIDs) == 0 {
		return entries, nil
	}

	raws, err := s.redis.HMGet(ctx, entriesKey(venueID), entryIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue store: snapshot failed: %w", err)
	}

	for _, raw := range raws {
		// An entry removed between LRANGE and HMGET simply drops out.
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
