// Package keypool implements the tiered API key pool: selection, rate
// limiting, suspension, invalidation, and aggregate status reporting.
package keypool

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gemini-gateway/internal/apperrors"
	"gemini-gateway/internal/keysync"
	"gemini-gateway/internal/models"
	"gemini-gateway/internal/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config carries the tuning knobs that govern acquisition and cleanup.
type Config struct {
	CooldownSeconds    int
	RequestsPerMinute  int
	RequestsPerDay     int
	MaxFreeKeyFailures int
}

// Provider is the Key Pool Manager. The free-tier consecutive-failure
// counter is mirrored in memory under mu, guarded the way the source
// guards it with a re-entrant lock; all other state lives in the store and
// is serialised by its own transactions.
type Provider struct {
	db     *gorm.DB
	syncer *keysync.Syncer
	cfg    Config

	mu                      sync.Mutex
	freeKeyConsecutiveFails int
}

// NewProvider loads the free-tier failure mirror from global_state and
// returns a ready Provider. Callers should run a Syncer.Sync before this to
// ensure the key tables are current.
func NewProvider(db *gorm.DB, syncer *keysync.Syncer, cfg Config) (*Provider, error) {
	p := &Provider{db: db, syncer: syncer, cfg: cfg}

	var state models.GlobalState
	if err := db.First(&state, "key = ?", models.FreeKeyFailuresStateKey).Error; err != nil {
		return nil, fmt.Errorf("loading free_key_consecutive_failures: %w", err)
	}
	n, err := parseCounter(state.Value)
	if err != nil {
		return nil, fmt.Errorf("parsing free_key_consecutive_failures: %w", err)
	}
	p.freeKeyConsecutiveFails = n
	return p, nil
}

func parseCounter(v string) (int, error) {
	var n int
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}

// Cleanup deletes expired suspensions and rate-limit rows older than 24h.
// It runs at the start of Acquire and Status.
func (p *Provider) Cleanup() error {
	now := time.Now()
	if err := p.db.Where("resume_time <= ?", now).Delete(&models.Suspension{}).Error; err != nil {
		return fmt.Errorf("cleaning expired suspensions: %w", err)
	}
	cutoff := now.Add(-24 * time.Hour)
	if err := p.db.Where("request_time < ?", cutoff).Delete(&models.RateLimitEvent{}).Error; err != nil {
		return fmt.Errorf("cleaning stale rate limit rows: %w", err)
	}
	return nil
}

// Acquire selects a key per the tier-aware ordering policy, marking it used
// before returning it. preferred may be empty. When forcePaid is false and
// the free tier is exhausted it retries once against the paid tier; when
// forcePaid is true and the paid tier is exhausted it does not fall back to
// free (matching source behaviour).
func (p *Provider) Acquire(preferred string, forcePaid bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.Cleanup(); err != nil {
		return "", err
	}

	useTier := models.TierPaid
	if !forcePaid && p.freeKeyConsecutiveFails < p.cfg.MaxFreeKeyFailures {
		useTier = models.TierFree
	}

	if preferred != "" {
		available, err := p.isKeyAvailable(preferred)
		if err != nil {
			return "", err
		}
		if available {
			if err := p.markUsed(preferred); err != nil {
				return "", err
			}
			return preferred, nil
		}
	}

	key, found, err := p.selectFromTier(useTier, preferred)
	if err != nil {
		return "", err
	}
	if found {
		if err := p.markUsed(key); err != nil {
			return "", err
		}
		return key, nil
	}

	if useTier == models.TierFree {
		logrus.Warn("no free keys available, falling back to paid tier")
		key, found, err = p.selectFromTier(models.TierPaid, preferred)
		if err != nil {
			return "", err
		}
		if found {
			if err := p.markUsed(key); err != nil {
				return "", err
			}
			return key, nil
		}
	}

	return "", apperrors.ErrNoAvailableKeys
}

type candidateRow struct {
	Key                 string
	ConsecutiveFailures int
	Recent24h           int64
	TotalRequests       int64
}

// selectFromTier returns the first eligible key of tier in
// (consecutive_failures ASC, requests_in_last_24h ASC, total_requests ASC)
// order, skipping any key equal to skip and any key over its rate caps.
func (p *Provider) selectFromTier(tier models.Tier, skip string) (string, bool, error) {
	dayAgo := time.Now().Add(-24 * time.Hour)

	var rows []candidateRow
	err := p.db.Table("api_keys AS k").
		Select("k.key AS key, COALESCE(s.consecutive_failures, 0) AS consecutive_failures, "+
			"(SELECT COUNT(*) FROM rate_limits r WHERE r.key = k.key AND r.request_time > ?) AS recent24h, "+
			"COALESCE(s.total_requests, 0) AS total_requests", dayAgo).
		Joins("LEFT JOIN key_stats s ON k.key = s.key").
		Where("k.is_active = ? AND k.key_type = ?", true, tier).
		Where("k.key NOT IN (SELECT key FROM suspended_keys WHERE resume_time > ?)", time.Now()).
		Order("consecutive_failures ASC, recent24h ASC, total_requests ASC").
		Scan(&rows).Error
	if err != nil {
		return "", false, fmt.Errorf("selecting %s tier candidates: %w", tier, err)
	}

	for _, row := range rows {
		if row.Key == skip {
			continue
		}
		allowed, err := p.withinRateLimit(row.Key)
		if err != nil {
			return "", false, err
		}
		if allowed {
			return row.Key, true, nil
		}
	}
	return "", false, nil
}

func (p *Provider) isKeyAvailable(key string) (bool, error) {
	var count int64
	if err := p.db.Model(&models.APIKey{}).Where("key = ? AND is_active = ?", key, true).Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking key activity: %w", err)
	}
	if count == 0 {
		return false, nil
	}

	var suspCount int64
	if err := p.db.Model(&models.Suspension{}).Where("key = ? AND resume_time > ?", key, time.Now()).Count(&suspCount).Error; err != nil {
		return false, fmt.Errorf("checking suspension: %w", err)
	}
	if suspCount > 0 {
		return false, nil
	}

	return p.withinRateLimit(key)
}

// withinRateLimit reports whether key is under both the per-minute and
// per-day request caps as of now.
func (p *Provider) withinRateLimit(key string) (bool, error) {
	now := time.Now()

	var minuteCount int64
	if err := p.db.Model(&models.RateLimitEvent{}).
		Where("key = ? AND request_time > ?", key, now.Add(-time.Minute)).
		Count(&minuteCount).Error; err != nil {
		return false, fmt.Errorf("checking per-minute rate limit: %w", err)
	}
	if minuteCount >= int64(p.cfg.RequestsPerMinute) {
		return false, nil
	}

	var dayCount int64
	if err := p.db.Model(&models.RateLimitEvent{}).
		Where("key = ? AND request_time > ?", key, now.Add(-24*time.Hour)).
		Count(&dayCount).Error; err != nil {
		return false, fmt.Errorf("checking per-day rate limit: %w", err)
	}
	if dayCount >= int64(p.cfg.RequestsPerDay) {
		return false, nil
	}

	return true, nil
}

// markUsed increments total_requests, stamps last_used, and records a
// rate_limits row for key.
func (p *Provider) markUsed(key string) error {
	now := time.Now()
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.KeyStats{}).Where("key = ?", key).
			Updates(map[string]interface{}{"total_requests": gorm.Expr("total_requests + 1"), "last_used": now}).Error; err != nil {
			return err
		}
		return tx.Create(&models.RateLimitEvent{Key: key, RequestTime: now}).Error
	})
	if err == nil {
		logrus.WithField("key", utils.MaskAPIKey(key)).Debug("key acquired")
	}
	return err
}

// RecordSuccess increments successful_requests, resets consecutive_failures,
// stamps last_success, and, for a free key, resets the tier-wide free
// failure counter.
func (p *Provider) RecordSuccess(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.KeyStats{}).Where("key = ?", key).
			Updates(map[string]interface{}{
				"successful_requests": gorm.Expr("successful_requests + 1"),
				"consecutive_failures": 0,
				"last_success":         now,
			}).Error; err != nil {
			return err
		}

		var apiKey models.APIKey
		if err := tx.First(&apiKey, "key = ?", key).Error; err != nil {
			return err
		}
		if apiKey.KeyType == models.TierFree {
			if err := tx.Model(&models.GlobalState{}).Where("key = ?", models.FreeKeyFailuresStateKey).Update("value", "0").Error; err != nil {
				return err
			}
			p.freeKeyConsecutiveFails = 0
		}
		logrus.WithField("key", utils.MaskAPIKey(key)).Debug("key success recorded")
		return nil
	})
}

// RecordFailure increments failed_requests and consecutive_failures, stamps
// the last error, bumps the error_counts histogram, and, for a free key,
// atomically increments the tier-wide free failure counter.
func (p *Provider) RecordFailure(key string, errorCode int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	return p.db.Transaction(func(tx *gorm.DB) error {
		var stats models.KeyStats
		if err := tx.First(&stats, "key = ?", key).Error; err != nil {
			return err
		}
		counts := map[string]int{}
		if stats.ErrorCounts != "" {
			if err := json.Unmarshal([]byte(stats.ErrorCounts), &counts); err != nil {
				return fmt.Errorf("decoding error_counts for %s: %w", key, err)
			}
		}
		counts[fmt.Sprintf("%d", errorCode)]++
		encoded, err := json.Marshal(counts)
		if err != nil {
			return err
		}

		if err := tx.Model(&models.KeyStats{}).Where("key = ?", key).Updates(map[string]interface{}{
			"failed_requests":      gorm.Expr("failed_requests + 1"),
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"last_error_code":      errorCode,
			"last_error_time":      now,
			"error_counts":         string(encoded),
		}).Error; err != nil {
			return err
		}

		var apiKey models.APIKey
		if err := tx.First(&apiKey, "key = ?", key).Error; err != nil {
			return err
		}
		if apiKey.KeyType == models.TierFree {
			var state models.GlobalState
			if err := tx.First(&state, "key = ?", models.FreeKeyFailuresStateKey).Error; err != nil {
				return err
			}
			n, err := parseCounter(state.Value)
			if err != nil {
				return fmt.Errorf("parsing free_key_consecutive_failures: %w", err)
			}
			n++
			if err := tx.Model(&models.GlobalState{}).Where("key = ?", models.FreeKeyFailuresStateKey).
				Update("value", fmt.Sprintf("%d", n)).Error; err != nil {
				return err
			}
			p.freeKeyConsecutiveFails = n
		}
		logrus.WithFields(logrus.Fields{
			"key":        utils.MaskAPIKey(key),
			"error_code": errorCode,
		}).Warn("key failure recorded")
		return nil
	})
}

// Suspend upserts a suspension for key lasting duration (defaulting to the
// configured cooldown when duration is zero). Does not modify key_stats.
func (p *Provider) Suspend(key string, duration time.Duration) error {
	if duration == 0 {
		duration = time.Duration(p.cfg.CooldownSeconds) * time.Second
	}
	resumeAt := time.Now().Add(duration)
	reason := fmt.Sprintf("temporarily suspended for %s", duration)
	err := p.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"resume_time", "reason"}),
	}).Create(&models.Suspension{Key: key, ResumeTime: resumeAt, Reason: reason}).Error
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"key":         utils.MaskAPIKey(key),
			"resume_time": resumeAt,
		}).Warn("key suspended")
	}
	return err
}

// Invalidate permanently deactivates key, removes any suspension row, and
// rewrites both tier files to reflect the removal.
func (p *Provider) Invalidate(key string) error {
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.APIKey{}).Where("key = ?", key).Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Where("key = ?", key).Delete(&models.Suspension{}).Error
	})
	if err != nil {
		return fmt.Errorf("invalidating key: %w", err)
	}
	if err := p.syncer.RewriteTierFiles(); err != nil {
		return fmt.Errorf("rewriting tier files after invalidation: %w", err)
	}
	logrus.WithField("key", utils.MaskAPIKey(key)).Warn("key invalidated")
	return nil
}

// TierStats summarises one tier's key counts.
type TierStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Suspended int `json:"suspended"`
}

// RequestStats summarises one tier's success/failure counts.
type RequestStats struct {
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// Status is the aggregate snapshot returned by the status operation.
type Status struct {
	AvailableKeys              int                      `json:"available_keys"`
	SuspendedKeys              int                      `json:"suspended_keys"`
	KeyStatistics              map[models.Tier]TierStats `json:"key_statistics"`
	RequestStatistics          map[models.Tier]RequestStats `json:"request_statistics"`
	TotalSuccessfulRequests    int64                    `json:"total_successful_requests"`
	TotalFailedRequests        int64                    `json:"total_failed_requests"`
	FreeKeyConsecutiveFailures int                      `json:"free_key_consecutive_failures"`
	MaxFreeKeyFailures         int                      `json:"max_free_key_failures"`
	RequestsPerMinute          int                      `json:"requests_per_minute"`
	RequestsPerDay             int                      `json:"requests_per_day"`
	ErrorDistribution          map[string]int           `json:"error_distribution"`
}

// Status runs cleanup then reports the current pool snapshot.
func (p *Provider) Status() (*Status, error) {
	p.mu.Lock()
	freeFails := p.freeKeyConsecutiveFails
	p.mu.Unlock()

	if err := p.Cleanup(); err != nil {
		return nil, err
	}

	now := time.Now()
	var allKeys []models.APIKey
	if err := p.db.Where("is_active = ?", true).Find(&allKeys).Error; err != nil {
		return nil, fmt.Errorf("loading active keys: %w", err)
	}

	var suspended []models.Suspension
	if err := p.db.Where("resume_time > ?", now).Find(&suspended).Error; err != nil {
		return nil, fmt.Errorf("loading active suspensions: %w", err)
	}
	suspendedSet := make(map[string]bool, len(suspended))
	for _, s := range suspended {
		suspendedSet[s.Key] = true
	}

	keyStats := make(map[models.Tier]TierStats)
	available, totalSuspended := 0, 0
	for _, k := range allKeys {
		stat := keyStats[k.KeyType]
		stat.Total++
		if suspendedSet[k.Key] {
			stat.Suspended++
			totalSuspended++
		} else {
			stat.Available++
			available++
		}
		keyStats[k.KeyType] = stat
	}

	var allStats []models.KeyStats
	if err := p.db.Find(&allStats).Error; err != nil {
		return nil, fmt.Errorf("loading key stats: %w", err)
	}
	activeKeys := make(map[string]models.Tier, len(allKeys))
	for _, k := range allKeys {
		activeKeys[k.Key] = k.KeyType
	}

	reqStats := make(map[models.Tier]RequestStats)
	errorDist := make(map[string]int)
	var totalSuccess, totalFailed int64
	for _, s := range allStats {
		tier, ok := activeKeys[s.Key]
		if !ok {
			continue
		}
		rs := reqStats[tier]
		rs.Successful += s.SuccessfulRequests
		rs.Failed += s.FailedRequests
		reqStats[tier] = rs
		totalSuccess += s.SuccessfulRequests
		totalFailed += s.FailedRequests

		if s.ErrorCounts != "" && s.ErrorCounts != "{}" {
			counts := map[string]int{}
			if err := json.Unmarshal([]byte(s.ErrorCounts), &counts); err == nil {
				for code, n := range counts {
					errorDist[code] += n
				}
			}
		}
	}

	return &Status{
		AvailableKeys:              available,
		SuspendedKeys:              totalSuspended,
		KeyStatistics:              keyStats,
		RequestStatistics:          reqStats,
		TotalSuccessfulRequests:    totalSuccess,
		TotalFailedRequests:        totalFailed,
		FreeKeyConsecutiveFailures: freeFails,
		MaxFreeKeyFailures:         p.cfg.MaxFreeKeyFailures,
		RequestsPerMinute:          p.cfg.RequestsPerMinute,
		RequestsPerDay:             p.cfg.RequestsPerDay,
		ErrorDistribution:          errorDist,
	}, nil
}

// ResetFreeKeyFailures manually zeroes the tier-wide free failure counter.
func (p *Provider) ResetFreeKeyFailures() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.Model(&models.GlobalState{}).Where("key = ?", models.FreeKeyFailuresStateKey).Update("value", "0").Error; err != nil {
		return err
	}
	p.freeKeyConsecutiveFails = 0
	return nil
}
