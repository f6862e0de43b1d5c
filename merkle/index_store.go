package merkle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"primordia/canonical"
	"primordia/kernelcrypto"
	"primordia/kernelerrors"
	"primordia/storage"
)

// IndexStore drives the append-only index-window engine against the storage
// collaborator. Per spec §9's design note, there is no process-global
// "current window" pointer: the open window is a row, loaded fresh on every
// call, and this struct holds no mutable state beyond its db handle and
// clock.
type IndexStore struct {
	db               *gorm.DB
	now              func() time.Time
	kernelPublicHex  string
	kernelPrivateHex string
}

func NewIndexStore(db *gorm.DB, now func() time.Time, kernelPublicHex, kernelPrivateHex string) *IndexStore {
	if now == nil {
		now = time.Now
	}
	return &IndexStore{db: db, now: now, kernelPublicHex: kernelPublicHex, kernelPrivateHex: kernelPrivateHex}
}

// Head describes the current window: open if one exists, else the most
// recently closed window.
type Head struct {
	WindowID        int64
	RootHash        *string
	LeafCount       int64
	KernelSignature *string
	Status          string
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	WindowID int64
	LeafHash string
	Position int64
	Ack      string
}

// InclusionProof is the proof shape returned for a closed window's leaf.
type InclusionProof struct {
	WindowID        int64
	LeafHash        string
	Position        int64
	Path            []ProofStep
	RootHash        string
	KernelSignature string
}

// OpenWindow opens a new window chained to the prior window's id and root.
func (s *IndexStore) OpenWindow(ctx context.Context) (*storage.IndexWindow, error) {
	var created *storage.IndexWindow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open storage.IndexWindow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("status = ?", "open").First(&open).Error
		if err == nil {
			return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "a window is already open", kernelerrors.ErrPreconditionFailed)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check open window: %w", err)
		}

		var prev storage.IndexWindow
		var prevID *int64
		var prevRoot *string
		err = tx.Order("id desc").First(&prev).Error
		if err == nil {
			id := prev.ID
			prevID = &id
			prevRoot = prev.RootHash
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load previous window: %w", err)
		}

		win := storage.IndexWindow{
			PreviousWindowID: prevID,
			PreviousRootHash: prevRoot,
			OpenedAtMS:       s.now().UnixMilli(),
			LeafCount:        0,
			Status:           "open",
		}
		if err := tx.Create(&win).Error; err != nil {
			return fmt.Errorf("create window: %w", err)
		}
		created = &win
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Submit appends a leaf to the open window at the next position. Fails with
// PreconditionFailed if no window is open.
func (s *IndexStore) Submit(ctx context.Context, leafType, payloadHash string) (*SubmitResult, error) {
	var result *SubmitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var win storage.IndexWindow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("status = ?", "open").First(&win).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "no window is open", kernelerrors.ErrPreconditionFailed)
			}
			return fmt.Errorf("lock open window: %w", err)
		}

		leafBytes, err := canonical.Canonicalize(map[string]canonical.Value{"type": leafType, "payload_hash": payloadHash})
		if err != nil {
			return fmt.Errorf("canonicalize leaf: %w", err)
		}
		leafHash := kernelcrypto.Hash(leafBytes)
		position := win.LeafCount

		leaf := storage.IndexLeaf{
			ID:            uuid.NewString(),
			WindowID:      win.ID,
			Position:      position,
			LeafType:      leafType,
			PayloadHash:   payloadHash,
			LeafHash:      leafHash,
			SubmittedAtMS: s.now().UnixMilli(),
		}
		if err := tx.Create(&leaf).Error; err != nil {
			return fmt.Errorf("append leaf: %w", err)
		}
		win.LeafCount = position + 1
		if err := tx.Save(&win).Error; err != nil {
			return fmt.Errorf("update leaf count: %w", err)
		}

		result = &SubmitResult{WindowID: win.ID, LeafHash: leafHash, Position: position, Ack: "pending_close"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseWindow finalizes the open window: computes the Merkle root over its
// leaves, stamps closed_at_ms, and signs the head.
func (s *IndexStore) CloseWindow(ctx context.Context) (*storage.IndexWindow, error) {
	var closed *storage.IndexWindow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var win storage.IndexWindow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("status = ?", "open").First(&win).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "no window is open", kernelerrors.ErrPreconditionFailed)
			}
			return fmt.Errorf("lock open window: %w", err)
		}

		var leafRows []storage.IndexLeaf
		if err := tx.Where("window_id = ?", win.ID).Order("position asc").Find(&leafRows).Error; err != nil {
			return fmt.Errorf("load leaves: %w", err)
		}
		leafHashes := make([]string, len(leafRows))
		for i, l := range leafRows {
			leafHashes[i] = l.LeafHash
		}

		root := Root(leafHashes)
		closedAt := s.now().UnixMilli()
		headBytes, err := canonical.Canonicalize(map[string]canonical.Value{
			"window_id":    win.ID,
			"root_hash":    root,
			"closed_at_ms": closedAt,
			"leaf_count":   win.LeafCount,
		})
		if err != nil {
			return fmt.Errorf("canonicalize head: %w", err)
		}
		headHash := kernelcrypto.Hash(headBytes)
		sig, err := kernelcrypto.Sign(headHash, s.kernelPrivateHex)
		if err != nil {
			return fmt.Errorf("sign head: %w", err)
		}

		win.RootHash = &root
		win.ClosedAtMS = &closedAt
		win.KernelSignature = &sig
		win.Status = "closed"
		if err := tx.Save(&win).Error; err != nil {
			return fmt.Errorf("save closed window: %w", err)
		}
		closed = &win
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// Head returns the current window (open, if any, else the latest closed).
func (s *IndexStore) Head(ctx context.Context) (*Head, error) {
	var win storage.IndexWindow
	err := s.db.WithContext(ctx).Where("status = ?", "open").First(&win).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.db.WithContext(ctx).Order("id desc").First(&win).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, kernelerrors.Wrap(kernelerrors.KindNotFound, "no index windows exist", kernelerrors.ErrNotFound)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load head: %w", err)
	}
	return &Head{WindowID: win.ID, RootHash: win.RootHash, LeafCount: win.LeafCount, KernelSignature: win.KernelSignature, Status: win.Status}, nil
}

// Proof returns the inclusion proof for leafHash within a closed window, or
// nil if the window is not closed or the leaf is absent.
func (s *IndexStore) Proof(ctx context.Context, windowID int64, leafHash string) (*InclusionProof, error) {
	var win storage.IndexWindow
	if err := s.db.WithContext(ctx).Where("id = ?", windowID).First(&win).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, kernelerrors.Wrap(kernelerrors.KindNotFound, "window not found", kernelerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("load window: %w", err)
	}
	if win.Status != "closed" || win.RootHash == nil || win.KernelSignature == nil {
		return nil, nil
	}

	var leafRows []storage.IndexLeaf
	if err := s.db.WithContext(ctx).Where("window_id = ?", windowID).Order("position asc").Find(&leafRows).Error; err != nil {
		return nil, fmt.Errorf("load leaves: %w", err)
	}
	leafHashes := make([]string, len(leafRows))
	position := -1
	for i, l := range leafRows {
		leafHashes[i] = l.LeafHash
		if l.LeafHash == leafHash {
			position = i
		}
	}
	if position < 0 {
		return nil, nil
	}

	path := Proof(leafHashes, position)
	return &InclusionProof{
		WindowID:        windowID,
		LeafHash:        leafHash,
		Position:        int64(position),
		Path:            path,
		RootHash:        *win.RootHash,
		KernelSignature: *win.KernelSignature,
	}, nil
}

// VerifyInclusion is the pure verification entry point exposed alongside the
// stateful store, per spec §4.6.
func VerifyInclusion(proof *InclusionProof) bool {
	if proof == nil {
		return false
	}
	return VerifyProof(proof.LeafHash, proof.Path, proof.RootHash)
}
