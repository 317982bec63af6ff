package inmemdb

import (
	"context"

	"github.com/google/uuid"

	"github.com/trezcool/bulletin/core"
)

type deadLetterRepository struct {
	db *DB
}

var _ core.DeadLetterStore = (*deadLetterRepository)(nil) // interface compliance check

func NewDeadLetterRepository(db *DB) core.DeadLetterStore {
	return &deadLetterRepository{db: db}
}

func (repo *deadLetterRepository) SaveDeadLetter(_ context.Context, dl core.DeadLetter) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	for i, existing := range repo.db.deadLetters {
		if existing.ID == dl.ID {
			repo.db.deadLetters[i] = dl
			return nil
		}
	}
	repo.db.deadLetters = append(repo.db.deadLetters, dl)
	return nil
}

func (repo *deadLetterRepository) ListDeadLetters(_ context.Context, lane string) ([]core.DeadLetter, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	dls := make([]core.DeadLetter, 0)
	for _, dl := range repo.db.deadLetters {
		if lane == "" || dl.Lane == lane {
			dls = append(dls, dl)
		}
	}
	return dls, nil
}

func (repo *deadLetterRepository) DeleteDeadLetters(_ context.Context, ids ...string) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := repo.db.deadLetters[:0]
	for _, dl := range repo.db.deadLetters {
		if !drop[dl.ID] {
			kept = append(kept, dl)
		}
	}
	repo.db.deadLetters = kept
	return nil
}
