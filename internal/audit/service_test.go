package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/db/dbtest"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

type fakeRepository struct {
	createFn func(ctx context.Context, fact *models.AuditFact) error
}

func (f *fakeRepository) WithTx(tx *gorm.DB) Repository {
	return f
}

func (f *fakeRepository) Create(ctx context.Context, fact *models.AuditFact) error {
	if f.createFn != nil {
		return f.createFn(ctx, fact)
	}
	return nil
}

func (f *fakeRepository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.AuditFact, error) {
	return nil, nil
}

func (f *fakeRepository) ListByEntity(ctx context.Context, entity enums.AuditEntity, entityID uuid.UUID) ([]models.AuditFact, error) {
	return nil, nil
}

func TestRecorder_Record(t *testing.T) {
	repo := &fakeRepository{}
	rec, err := NewRecorder(repo)
	if err != nil {
		t.Fatalf("unexpected recorder error: %v", err)
	}

	var created *models.AuditFact
	repo.createFn = func(ctx context.Context, fact *models.AuditFact) error {
		created = fact
		return nil
	}

	orderID := uuid.New()
	got, err := rec.Record(context.Background(), nil, FactInput{
		Entity:   enums.AuditEntityDelivery,
		EntityID: uuid.New(),
		OrderID:  &orderID,
		From:     "processing",
		To:       "delivered",
		Metadata: map[string]any{"slot": 2},
	})
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if created != got {
		t.Fatal("expected repository to receive the returned fact")
	}
	if got.Actor != SystemActor {
		t.Fatalf("expected empty actor to default to %q, got %q", SystemActor, got.Actor)
	}
	var meta map[string]any
	if err := json.Unmarshal(got.Metadata, &meta); err != nil || meta["slot"] != float64(2) {
		t.Fatalf("unexpected metadata %s err=%v", got.Metadata, err)
	}
}

func TestRecorder_RecordValidation(t *testing.T) {
	rec, _ := NewRecorder(&fakeRepository{})
	if _, err := rec.Record(context.Background(), nil, FactInput{Entity: "nope", EntityID: uuid.New()}); err == nil {
		t.Fatal("expected invalid entity to fail")
	}
	if _, err := rec.Record(context.Background(), nil, FactInput{Entity: enums.AuditEntityOrder}); err == nil {
		t.Fatal("expected missing entity id to fail")
	}
}

func TestRecorder_RepoError(t *testing.T) {
	boom := errors.New("boom")
	rec, _ := NewRecorder(&fakeRepository{createFn: func(context.Context, *models.AuditFact) error { return boom }})
	if _, err := rec.Record(context.Background(), nil, FactInput{Entity: enums.AuditEntityOrder, EntityID: uuid.New()}); !errors.Is(err, boom) {
		t.Fatalf("expected repo error, got %v", err)
	}
}

func TestRecorder_RollsBackWithCallerTx(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	rec, _ := NewRecorder(repo)
	orderID := uuid.New()

	_ = conn.Transaction(func(tx *gorm.DB) error {
		if _, err := rec.Record(context.Background(), tx, FactInput{Entity: enums.AuditEntityOrder, EntityID: orderID, OrderID: &orderID, From: "paid", To: "delivering"}); err != nil {
			t.Fatalf("record: %v", err)
		}
		return errors.New("rollback")
	})

	facts, err := repo.ListByOrderID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("expected rollback to discard fact, got %d", len(facts))
	}
}
