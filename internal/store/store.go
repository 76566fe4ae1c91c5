package store

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mcowger/plexus/internal/config"
)

// Dialect selects which gorm driver Open constructs.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store wraps a gorm.DB with the idempotent-by-requestId write helpers
// the Response Pipeline, Cooldown Manager, and Quota Enforcer need.
type Store struct {
	db *gorm.DB
}

// Open connects to either a SQLite file (dsn is a filesystem path, or
// ":memory:") or a PostgreSQL database (dsn is a libpq connection
// string), runs AutoMigrate for every table, and returns a ready Store.
func Open(dialect Dialect, dsn string) (*Store, error) {
	var db *gorm.DB
	var err error
	switch dialect {
	case DialectSQLite:
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	case DialectPostgres:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		return nil, errors.Errorf("unknown store dialect %q", dialect)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if dialect == DialectSQLite {
		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			return nil, errors.Wrap(err, "enable WAL mode")
		}
	}

	if err := db.AutoMigrate(
		&UsageRecord{}, &ProviderCooldown{}, &DebugLog{}, &InferenceError{},
		&ProviderPerformance{}, &QuotaSnapshot{}, &QuotaState{},
		&Conversation{}, &Response{}, &ResponseItem{},
	); err != nil {
		return nil, errors.Wrap(err, "auto-migrate schema")
	}

	return &Store{db: db}, nil
}

// SaveUsage upserts a UsageRecord by its unique RequestID, so a retried
// persistence call (e.g. after a transient write error) never produces
// duplicate rows.
func (s *Store) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

// SaveCooldown upserts a cooldown record keyed by (provider, model, account_id).
func (s *Store) SaveCooldown(ctx context.Context, rec *ProviderCooldown) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "model"}, {Name: "account_id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

// DeleteCooldown removes a persisted cooldown record.
func (s *Store) DeleteCooldown(ctx context.Context, provider, model, accountID string) error {
	return s.db.WithContext(ctx).
		Where("provider = ? AND model = ? AND account_id = ?", provider, model, accountID).
		Delete(&ProviderCooldown{}).Error
}

// LoadCooldowns returns every persisted, non-expired-or-not cooldown
// record for restart recovery (cooldown.Manager decides expiry itself).
func (s *Store) LoadCooldowns(ctx context.Context) ([]ProviderCooldown, error) {
	var recs []ProviderCooldown
	if err := s.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "load cooldowns")
	}
	return recs, nil
}

// SaveDebugLog upserts a DebugLog by RequestID.
func (s *Store) SaveDebugLog(ctx context.Context, log *DebugLog) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		UpdateAll: true,
	}).Create(log).Error
}

// DeleteDebugLog removes a request's debug capture.
func (s *Store) DeleteDebugLog(ctx context.Context, requestID string) error {
	return s.db.WithContext(ctx).Where("request_id = ?", requestID).Delete(&DebugLog{}).Error
}

// SaveInferenceError records one failed dispatch attempt.
func (s *Store) SaveInferenceError(ctx context.Context, e *InferenceError) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// SavePerformanceSample records one durable performance row.
func (s *Store) SavePerformanceSample(ctx context.Context, sample *ProviderPerformance) error {
	return s.db.WithContext(ctx).Create(sample).Error
}

// LoadQuotaState fetches the current counter row for (keyName,
// quotaName), returning (zero value, false) if none exists yet.
func (s *Store) LoadQuotaState(ctx context.Context, keyName, quotaName string) (QuotaState, bool, error) {
	var st QuotaState
	err := s.db.WithContext(ctx).
		Where("key_name = ? AND quota_name = ?", keyName, quotaName).
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QuotaState{}, false, nil
	}
	if err != nil {
		return QuotaState{}, false, errors.Wrap(err, "load quota state")
	}
	return st, true, nil
}

// SaveQuotaState upserts the live counter row.
func (s *Store) SaveQuotaState(ctx context.Context, st *QuotaState) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_name"}, {Name: "quota_name"}},
		UpdateAll: true,
	}).Create(st).Error
}

// SaveQuotaSnapshot appends an audit row for one check/record decision.
func (s *Store) SaveQuotaSnapshot(ctx context.Context, snap *QuotaSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

// QuotaPersister adapts Store's LoadQuotaState/SaveQuotaState/
// SaveQuotaSnapshot to quota.Persister's (currentUsage, lastUpdated,
// lastKnownLimit, lastKnownLimitType) shape, so the Quota Enforcer's
// counters survive restarts and every check/record decision leaves an
// audit row in quota_snapshots.
type QuotaPersister struct {
	store *Store
}

// NewQuotaPersister wraps store as a quota.Persister.
func NewQuotaPersister(store *Store) *QuotaPersister {
	return &QuotaPersister{store: store}
}

// Load satisfies quota.Persister.
func (p *QuotaPersister) Load(ctx context.Context, keyName, quotaName string) (currentUsage int64, lastUpdated time.Time, lastKnownLimit int64, lastKnownLimitType config.QuotaLimitType, found bool, err error) {
	st, found, err := p.store.LoadQuotaState(ctx, keyName, quotaName)
	if err != nil || !found {
		return 0, time.Time{}, 0, "", found, err
	}
	return st.CurrentUsage, time.Unix(st.LastUpdatedEpoch, 0).UTC(), st.LastKnownLimit, config.QuotaLimitType(st.LastKnownLimitType), true, nil
}

// Save satisfies quota.Persister: it upserts the live counter row and
// appends an audit snapshot row recording the decision.
func (p *QuotaPersister) Save(ctx context.Context, keyName, quotaName string, currentUsage int64, lastUpdated time.Time, lastKnownLimit int64, lastKnownLimitType config.QuotaLimitType) error {
	if err := p.store.SaveQuotaState(ctx, &QuotaState{
		KeyName:            keyName,
		QuotaName:          quotaName,
		LimitType:          string(lastKnownLimitType),
		CurrentUsage:       currentUsage,
		LastUpdatedEpoch:   lastUpdated.Unix(),
		LastKnownLimit:     lastKnownLimit,
		LastKnownLimitType: string(lastKnownLimitType),
	}); err != nil {
		return errors.Wrap(err, "save quota state")
	}
	return p.store.SaveQuotaSnapshot(ctx, &QuotaSnapshot{
		KeyName:      keyName,
		QuotaName:    quotaName,
		CurrentUsage: currentUsage,
		Limit:        lastKnownLimit,
		Allowed:      currentUsage < lastKnownLimit,
		CreatedAt:    lastUpdated,
	})
}

// GetUsage returns up to limit UsageRecord rows (offset for pagination),
// newest first, optionally narrowed by a case-insensitive substring
// match against provider, incomingModelAlias, or selectedModelName. An
// empty filter value skips that column.
func (s *Store) GetUsage(ctx context.Context, providerLike, incomingModelAliasLike, selectedModelNameLike string, limit, offset int) ([]UsageRecord, error) {
	q := s.db.WithContext(ctx).Model(&UsageRecord{})
	if providerLike != "" {
		q = q.Where("provider LIKE ?", "%"+providerLike+"%")
	}
	if incomingModelAliasLike != "" {
		q = q.Where("incoming_model_alias LIKE ?", "%"+incomingModelAliasLike+"%")
	}
	if selectedModelNameLike != "" {
		q = q.Where("selected_model_name LIKE ?", "%"+selectedModelNameLike+"%")
	}
	q = q.Order("date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var recs []UsageRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "get usage")
	}
	return recs, nil
}

// DeleteAllUsageLogs removes every UsageRecord row, or only rows older
// than olderThan when it is non-zero, supporting a bulk retention sweep
// without deleting the whole history.
func (s *Store) DeleteAllUsageLogs(ctx context.Context, olderThan time.Time) error {
	q := s.db.WithContext(ctx)
	if !olderThan.IsZero() {
		q = q.Where("date < ?", olderThan)
	} else {
		q = q.Where("1 = 1")
	}
	return q.Delete(&UsageRecord{}).Error
}

// UpdatePerformanceMetrics persists one durable ProviderPerformance row
// alongside the in-memory perf.Store ring, so performance history
// survives a restart instead of resetting to a cold window.
func (s *Store) UpdatePerformanceMetrics(ctx context.Context, sample *ProviderPerformance) error {
	return s.SavePerformanceSample(ctx, sample)
}

// DB exposes the underlying gorm handle for callers (migrations,
// transactions) that need it directly.
func (s *Store) DB() *gorm.DB { return s.db }
