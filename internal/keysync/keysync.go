// Package keysync reconciles the two plain-text tier files (free, paid)
// with the persistent store, on startup and after every invalidation.
package keysync

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"gemini-gateway/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Syncer owns the two tier-file paths and the gorm connection they are
// reconciled against.
type Syncer struct {
	db          *gorm.DB
	freeKeyPath string
	paidKeyPath string
}

// New constructs a Syncer. It does not touch disk or the database until
// Sync is called.
func New(db *gorm.DB, freeKeyPath, paidKeyPath string) *Syncer {
	return &Syncer{db: db, freeKeyPath: freeKeyPath, paidKeyPath: paidKeyPath}
}

// Sync reads both tier files (creating them empty if absent), deduplicates
// preserving first occurrence, removes any token that appears in both files
// from the free copy, and reconciles the resulting sets against api_keys:
// new tokens are inserted active with a zero-valued KeyStats row, tokens
// whose file tier changed are updated in place, and active tokens present
// in neither file are soft-deleted along with their suspension row.
func (s *Syncer) Sync() error {
	freeKeys, err := readKeyFile(s.freeKeyPath)
	if err != nil {
		return fmt.Errorf("reading free key file: %w", err)
	}
	paidKeys, err := readKeyFile(s.paidKeyPath)
	if err != nil {
		return fmt.Errorf("reading paid key file: %w", err)
	}

	var duplicates []string
	paidSet := toSet(paidKeys)
	dedupedFree := make([]string, 0, len(freeKeys))
	for _, k := range freeKeys {
		if paidSet[k] {
			duplicates = append(duplicates, k)
			continue
		}
		dedupedFree = append(dedupedFree, k)
	}
	if len(duplicates) > 0 {
		logrus.WithField("count", len(duplicates)).Warn("removing keys duplicated across tier files from the free list")
		if err := writeKeyFile(s.freeKeyPath, dedupedFree); err != nil {
			return fmt.Errorf("rewriting free key file after dedup: %w", err)
		}
	}
	freeKeys = dedupedFree

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing []models.APIKey
		if err := tx.Find(&existing).Error; err != nil {
			return err
		}
		known := make(map[string]models.APIKey, len(existing))
		activeTier := make(map[string]models.Tier, len(existing))
		for _, k := range existing {
			known[k.Key] = k
			if k.IsActive {
				activeTier[k.Key] = k.KeyType
			}
		}

		if err := reconcileTier(tx, models.TierFree, freeKeys, known); err != nil {
			return err
		}
		if err := reconcileTier(tx, models.TierPaid, paidKeys, known); err != nil {
			return err
		}

		fileKeys := toSet(append(append([]string{}, freeKeys...), paidKeys...))
		var toDeactivate []string
		for key := range activeTier {
			if !fileKeys[key] {
				toDeactivate = append(toDeactivate, key)
			}
		}
		if len(toDeactivate) > 0 {
			if err := tx.Model(&models.APIKey{}).Where("key IN ?", toDeactivate).Update("is_active", false).Error; err != nil {
				return err
			}
			if err := tx.Where("key IN ?", toDeactivate).Delete(&models.Suspension{}).Error; err != nil {
				return err
			}
			logrus.WithField("count", len(toDeactivate)).Info("deactivated keys removed from tier files")
		}

		return nil
	})
}

// reconcileTier inserts tokens never seen before, reactivates tokens that
// were previously deactivated, updates the tier of tokens that changed
// file, and creates a zero-valued KeyStats row for any newly seen token.
func reconcileTier(tx *gorm.DB, tier models.Tier, keys []string, known map[string]models.APIKey) error {
	for _, key := range keys {
		existing, seen := known[key]
		switch {
		case !seen:
			if err := tx.Create(&models.APIKey{Key: key, KeyType: tier, IsActive: true, CreatedAt: time.Now()}).Error; err != nil {
				return err
			}
			if err := tx.Where("key = ?", key).FirstOrCreate(&models.KeyStats{Key: key}).Error; err != nil {
				return err
			}
		case !existing.IsActive:
			if err := tx.Model(&models.APIKey{}).Where("key = ?", key).Updates(map[string]interface{}{"is_active": true, "key_type": tier}).Error; err != nil {
				return err
			}
		case existing.KeyType != tier:
			if err := tx.Model(&models.APIKey{}).Where("key = ?", key).Update("key_type", tier).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// RewriteTierFiles overwrites both tier files with the currently active
// tokens of each tier, one per line. Invoked after invalidate.
func (s *Syncer) RewriteTierFiles() error {
	var free, paid []string
	if err := s.db.Model(&models.APIKey{}).Where("is_active = ? AND key_type = ?", true, models.TierFree).Pluck("key", &free).Error; err != nil {
		return fmt.Errorf("loading active free keys: %w", err)
	}
	if err := s.db.Model(&models.APIKey{}).Where("is_active = ? AND key_type = ?", true, models.TierPaid).Pluck("key", &paid).Error; err != nil {
		return fmt.Errorf("loading active paid keys: %w", err)
	}
	if err := writeKeyFile(s.freeKeyPath, free); err != nil {
		return fmt.Errorf("rewriting free key file: %w", err)
	}
	if err := writeKeyFile(s.paidKeyPath, paid); err != nil {
		return fmt.Errorf("rewriting paid key file: %w", err)
	}
	return nil
}

func readKeyFile(path string) ([]string, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]bool)
	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		keys = append(keys, line)
	}
	return keys, scanner.Err()
}

func writeKeyFile(path string, keys []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, key := range keys {
		if _, err := fmt.Fprintf(w, "%s\n", key); err != nil {
			return err
		}
	}
	return w.Flush()
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
