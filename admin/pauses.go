// Package admin implements the kernel's admin-gated controls: the
// per-module emergency pause switch domain engines consult through
// kernelcommon.PauseView, and the admin-key membership check the
// dispatcher applies before honoring a pause/unpause request.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"primordia/storage"
)

var ErrNotAdmin = errors.New("admin: caller is not an authorized admin key")

// PauseStore is a storage-backed kernelcommon.PauseView: IsPaused reads
// straight through to the database rather than caching, since pause
// toggles are rare and must take effect immediately across every engine.
type PauseStore struct {
	db *gorm.DB
}

func NewPauseStore(db *gorm.DB) *PauseStore {
	return &PauseStore{db: db}
}

func (p *PauseStore) IsPaused(module string) bool {
	var row storage.ModulePause
	err := p.db.Where("module = ?", module).First(&row).Error
	if err != nil {
		return false
	}
	return row.Paused
}

// SetPause upserts the pause state for module. callerPublicHex must be a
// member of adminKeys.
func (p *PauseStore) SetPause(ctx context.Context, adminKeys map[string]bool, callerPublicHex, module string, paused bool, now time.Time) error {
	if !adminKeys[callerPublicHex] {
		return ErrNotAdmin
	}

	var row storage.ModulePause
	err := p.db.WithContext(ctx).Where("module = ?", module).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = storage.ModulePause{Module: module, Paused: paused, UpdatedAt: now}
		if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("admin: create pause row for %s: %w", module, err)
		}
	case err != nil:
		return fmt.Errorf("admin: load pause row for %s: %w", module, err)
	default:
		row.Paused = paused
		row.UpdatedAt = now
		if err := p.db.WithContext(ctx).Save(&row).Error; err != nil {
			return fmt.Errorf("admin: update pause row for %s: %w", module, err)
		}
	}
	return nil
}
