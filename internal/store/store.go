package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"keeper/internal/intent"
	"keeper/internal/logger"
	"keeper/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store owns all ExitIntent records. Writes are serialized per intent key so
// a slow execution can never interleave with the next cycle's update of the
// same intent; distinct intents update concurrently.
type Store struct {
	db      *gorm.DB
	history *HistoryLog

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex
}

// Open initializes the current-state database and binds the history log.
func Open(path string, history *HistoryLog) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: path cannot be empty")
	}
	if history == nil {
		return nil, fmt.Errorf("store: history log required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.ExitIntentModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep lock contention low while allowing concurrent reads
	// from the status API.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db, history: history, keys: make(map[string]*sync.Mutex)}, nil
}

// History exposes the append-only log for components that record execution
// outcomes directly.
func (s *Store) History() *HistoryLog { return s.history }

// Create persists a new intent synchronously. When Create returns nil the
// intent is on disk: a crash immediately afterwards cannot lose the
// protection plan. An existing active or partial intent for the same position
// is a duplicate, rejected rather than replaced.
func (s *Store) Create(ctx context.Context, it *intent.ExitIntent) error {
	if err := validateIntent(it); err != nil {
		return err
	}
	mu := s.lockFor(it.PositionID)
	mu.Lock()
	defer mu.Unlock()

	var count int64
	err := s.db.WithContext(ctx).Model(&model.ExitIntentModel{}).
		Where("position_id = ? AND status IN ?", it.PositionID, []string{string(intent.StatusActive), string(intent.StatusPartial)}).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, it.PositionID)
	}

	row, err := toModel(it)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	row.CreatedAtUnix = now
	row.UpdatedAtUnix = now
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return err
	}
	logger.Infof("persisted exit intent %s for %s (position=%s)", it.ID, it.Symbol, it.PositionID)
	return s.history.AppendJSON(ctx, HistoryRecord{
		IntentID:   it.ID,
		PositionID: it.PositionID,
		Event:      EventCreated,
	}, it)
}

// Get loads a single intent by id.
func (s *Store) Get(ctx context.Context, id string) (*intent.ExitIntent, error) {
	var row model.ExitIntentModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return fromModel(&row)
}

// LoadActive returns every intent that still needs evaluation.
func (s *Store) LoadActive(ctx context.Context) ([]*intent.ExitIntent, error) {
	var rows []model.ExitIntentModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(intent.StatusActive), string(intent.StatusPartial)}).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*intent.ExitIntent, 0, len(rows))
	for i := range rows {
		it, err := fromModel(&rows[i])
		if err != nil {
			logger.Warnf("skipping unparseable intent row %s: %v", rows[i].ID, err)
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// List returns recent intents regardless of status, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*intent.ExitIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.ExitIntentModel
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*intent.ExitIntent, 0, len(rows))
	for i := range rows {
		it, err := fromModel(&rows[i])
		if err != nil {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// Update runs fn on the current record under the intent's writer lock and
// persists the result. fn may perform execution I/O; holding the lock for its
// full duration is what guarantees single-writer-per-key. Returning an error
// from fn discards the mutation.
//
// Bookkeeping-only mutations (last-check fields, attempt counter) are
// persisted without an audit row, so the history log records state
// transitions rather than one row per evaluation tick.
func (s *Store) Update(ctx context.Context, id string, fn func(*intent.ExitIntent) error) (*intent.ExitIntent, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := it.RemainingQuantity
	beforeAudit, err := auditState(it)
	if err != nil {
		return nil, err
	}

	if err := fn(it); err != nil {
		return nil, err
	}
	if it.RemainingQuantity < 0 {
		return nil, fmt.Errorf("%w: negative remaining quantity %v for %s", ErrInvariantViolation, it.RemainingQuantity, id)
	}
	if it.RemainingQuantity > before {
		return nil, fmt.Errorf("%w: remaining quantity increased %v -> %v for %s", ErrInvariantViolation, before, it.RemainingQuantity, id)
	}
	if it.RemainingQuantity == 0 && it.Open() {
		return nil, fmt.Errorf("%w: zero remaining but status %s for %s", ErrInvariantViolation, it.Status, id)
	}

	if err := s.persist(ctx, it); err != nil {
		return nil, err
	}
	afterAudit, err := auditState(it)
	if err != nil {
		return it, nil
	}
	if !bytes.Equal(beforeAudit, afterAudit) {
		if err := s.history.AppendJSON(ctx, HistoryRecord{
			IntentID:   it.ID,
			PositionID: it.PositionID,
			Event:      EventUpdated,
		}, it); err != nil {
			logger.Warnf("history append failed for intent %s: %v", it.ID, err)
		}
	}
	return it, nil
}

// auditState encodes the intent with per-tick bookkeeping blanked out, so two
// snapshots compare equal unless something audit-worthy changed.
func auditState(it *intent.ExitIntent) ([]byte, error) {
	cp := *it
	cp.LastCheckTime = 0
	cp.LastCheckPrice = 0
	cp.EnforcementAttempts = 0
	return json.Marshal(&cp)
}

// Cancel transitions an intent to cancelled. Accepts either the intent id or
// the position id. Cancelling an already terminal intent is a no-op.
func (s *Store) Cancel(ctx context.Context, idOrPosition, reason string) error {
	it, err := s.Get(ctx, idOrPosition)
	if errors.Is(err, ErrNotFound) {
		it, err = s.getByPosition(ctx, idOrPosition)
	}
	if err != nil {
		return err
	}

	mu := s.lockFor(it.ID)
	mu.Lock()
	defer mu.Unlock()

	it, err = s.Get(ctx, it.ID)
	if err != nil {
		return err
	}
	if !it.Open() {
		return nil
	}
	it.Status = intent.StatusCancelled
	if reason != "" {
		it.AppendNote("cancelled: " + reason)
	}
	if err := s.persist(ctx, it); err != nil {
		return err
	}
	logger.Infof("cancelled intent %s (position=%s): %s", it.ID, it.PositionID, reason)
	return s.history.AppendJSON(ctx, HistoryRecord{
		IntentID:   it.ID,
		PositionID: it.PositionID,
		Event:      EventCancelled,
	}, map[string]string{"reason": reason})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) getByPosition(ctx context.Context, positionID string) (*intent.ExitIntent, error) {
	var row model.ExitIntentModel
	err := s.db.WithContext(ctx).
		Where("position_id = ? AND status IN ?", positionID, []string{string(intent.StatusActive), string(intent.StatusPartial)}).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No open intent for the position: fall back to the newest terminal
		// one, so a repeated cancel by position id stays a no-op instead of
		// surfacing as not-found.
		err = s.db.WithContext(ctx).
			Where("position_id = ?", positionID).
			Order("created_at DESC").
			First(&row).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, positionID)
	}
	if err != nil {
		return nil, err
	}
	return fromModel(&row)
}

func (s *Store) persist(ctx context.Context, it *intent.ExitIntent) error {
	row, err := toModel(it)
	if err != nil {
		return err
	}
	row.UpdatedAtUnix = time.Now().Unix()
	return s.db.WithContext(ctx).Model(&model.ExitIntentModel{}).
		Where("id = ?", it.ID).
		Select("*").Omit("id", "created_at").
		Updates(row).Error
}

// lockFor returns the writer mutex for one intent key, creating it on first
// use. Locks are never removed; the key space is bounded by the number of
// intents ever active in one process lifetime.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	mu, ok := s.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keys[key] = mu
	}
	return mu
}

func validateIntent(it *intent.ExitIntent) error {
	if it == nil {
		return fmt.Errorf("%w: nil intent", ErrInvariantViolation)
	}
	if strings.TrimSpace(it.ID) == "" || strings.TrimSpace(it.PositionID) == "" {
		return fmt.Errorf("%w: missing id or position id", ErrInvariantViolation)
	}
	if it.RemainingQuantity < 0 || it.OriginalQuantity <= 0 {
		return fmt.Errorf("%w: bad quantities (original=%v remaining=%v)", ErrInvariantViolation, it.OriginalQuantity, it.RemainingQuantity)
	}
	if it.RemainingQuantity > it.OriginalQuantity {
		return fmt.Errorf("%w: remaining exceeds original", ErrInvariantViolation)
	}
	return nil
}

func toModel(it *intent.ExitIntent) (*model.ExitIntentModel, error) {
	state, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}
	isPaper := 0
	if it.IsPaper {
		isPaper = 1
	}
	return &model.ExitIntentModel{
		ID:                  it.ID,
		PositionID:          it.PositionID,
		Mint:                it.Mint,
		Symbol:              it.Symbol,
		Status:              string(it.Status),
		EntryPrice:          it.EntryPrice,
		OriginalQuantity:    it.OriginalQuantity,
		RemainingQuantity:   it.RemainingQuantity,
		IsPaper:             isPaper,
		StateJSON:           state,
		LastCheckUnix:       it.LastCheckTime,
		EnforcementAttempts: it.EnforcementAttempts,
		EnforcementFailures: it.EnforcementFailures,
	}, nil
}

func fromModel(row *model.ExitIntentModel) (*intent.ExitIntent, error) {
	var it intent.ExitIntent
	if err := json.Unmarshal(row.StateJSON, &it); err != nil {
		return nil, fmt.Errorf("decoding intent state for %s: %w", row.ID, err)
	}
	return &it, nil
}
