package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
	"github.com/angelmondragon/voucherz-backend/pkg/security"
)

// DefaultBucket is used when a product has a single undivided pool.
const DefaultBucket = "default"

const maxIngestBatch = 5000

// Codec seals codes at rest and fingerprints them for duplicate detection.
type Codec interface {
	SealString(value string) ([]byte, error)
	OpenString(sealed []byte) (string, error)
	Fingerprint(code string) string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type allocationRecorder interface {
	IncAllocation(result string)
}

// Service allocates, ingests and reveals stock codes.
type Service interface {
	Allocate(ctx context.Context, tx *gorm.DB, input AllocateInput) ([]models.InventoryCode, error)
	Ingest(ctx context.Context, input IngestInput) (*IngestResult, error)
	Available(ctx context.Context, productID uuid.UUID, bucket string) (int64, error)
	Reveal(ctx context.Context, orderID uuid.UUID) ([]string, error)
}

// ServiceParams groups the dependencies for NewService.
type ServiceParams struct {
	Repo    Repository
	Tx      txRunner
	Codec   Codec
	Logger  *logger.Logger
	Metrics allocationRecorder
	Clock   func() time.Time
}

type service struct {
	repo    Repository
	tx      txRunner
	codec   Codec
	logg    *logger.Logger
	metrics allocationRecorder
	now     func() time.Time
}

// AllocateInput identifies the pool and quantity to sell to one order.
type AllocateInput struct {
	ProductID uuid.UUID
	Bucket    string
	Count     int
	OrderID   uuid.UUID
}

// IngestInput is an admin-submitted batch of plaintext codes.
type IngestInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Bucket    string    `json:"bucket"`
	Codes     []string  `json:"codes" validate:"required,min=1,dive,required"`
	BatchRef  string    `json:"batch_ref"`
}

// IngestResult partitions a batch. Duplicate entries are masked.
type IngestResult struct {
	Inserted          int      `json:"inserted"`
	DuplicateInBatch  []string `json:"duplicate_in_batch"`
	DuplicateExisting []string `json:"duplicate_existing"`
	Blank             int      `json:"blank"`
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("inventory repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Codec == nil {
		return nil, fmt.Errorf("code codec required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Clock
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:    params.Repo,
		tx:      params.Tx,
		codec:   params.Codec,
		logg:    logg,
		metrics: params.Metrics,
		now:     now,
	}, nil
}

// Allocate sells count codes to the order inside the caller's transaction.
// Either every code is sold or none is.
func (s *service) Allocate(ctx context.Context, tx *gorm.DB, input AllocateInput) ([]models.InventoryCode, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "allocation requires a transaction")
	}
	if input.ProductID == uuid.Nil || input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product and order are required")
	}
	if input.Count <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "count must be positive")
	}
	bucket := normalizeBucket(input.Bucket)
	repo := s.repo.WithTx(tx)

	codes, err := repo.LockAvailable(ctx, input.ProductID, bucket, input.Count)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock available codes")
	}
	if len(codes) < input.Count {
		s.record("insufficient_stock")
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientStock, "not enough codes available").
			WithDetails(map[string]any{
				"product_id": input.ProductID.String(),
				"bucket":     bucket,
				"requested":  input.Count,
				"available":  len(codes),
			})
	}

	ids := make([]uuid.UUID, len(codes))
	for i := range codes {
		ids[i] = codes[i].ID
	}
	now := s.now().UTC()
	affected, err := repo.MarkSold(ctx, ids, input.OrderID, now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark codes sold")
	}
	if affected != int64(len(ids)) {
		s.record("conflict")
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "codes were sold concurrently")
	}
	for i := range codes {
		codes[i].Status = enums.InventoryCodeStatusSold
		codes[i].OrderID = &input.OrderID
		codes[i].SoldAt = &now
	}

	s.record("allocated")
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"order_id":   input.OrderID.String(),
		"product_id": input.ProductID.String(),
		"bucket":     bucket,
		"count":      len(codes),
	}), "inventory codes allocated")
	return codes, nil
}

func (s *service) Ingest(ctx context.Context, input IngestInput) (*IngestResult, error) {
	if input.ProductID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product_id is required")
	}
	if len(input.Codes) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "codes are required")
	}
	if len(input.Codes) > maxIngestBatch {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("at most %d codes per batch", maxIngestBatch))
	}
	bucket := normalizeBucket(input.Bucket)

	result := &IngestResult{DuplicateInBatch: []string{}, DuplicateExisting: []string{}}
	type candidate struct {
		code        string
		fingerprint string
	}
	seen := make(map[string]struct{}, len(input.Codes))
	var fresh []candidate
	for _, raw := range input.Codes {
		code := strings.TrimSpace(raw)
		if security.NormalizeCode(code) == "" {
			result.Blank++
			continue
		}
		fp := s.codec.Fingerprint(code)
		if _, dup := seen[fp]; dup {
			result.DuplicateInBatch = append(result.DuplicateInBatch, mask(code))
			continue
		}
		seen[fp] = struct{}{}
		fresh = append(fresh, candidate{code: code, fingerprint: fp})
	}

	var batchRef *string
	if ref := strings.TrimSpace(input.BatchRef); ref != "" {
		batchRef = &ref
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		fps := make([]string, len(fresh))
		for i, c := range fresh {
			fps[i] = c.fingerprint
		}
		existing, err := repo.ExistingFingerprints(ctx, input.ProductID, fps)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup fingerprints")
		}

		rows := make([]models.InventoryCode, 0, len(fresh))
		for _, c := range fresh {
			if _, ok := existing[c.fingerprint]; ok {
				result.DuplicateExisting = append(result.DuplicateExisting, mask(c.code))
				continue
			}
			sealed, err := s.codec.SealString(c.code)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal code")
			}
			rows = append(rows, models.InventoryCode{
				ProductID:   input.ProductID,
				BucketKey:   bucket,
				Status:      enums.InventoryCodeStatusAvailable,
				Ciphertext:  sealed,
				Fingerprint: c.fingerprint,
				BatchRef:    batchRef,
			})
		}

		inserted, err := repo.InsertIgnoringDuplicates(ctx, rows)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert codes")
		}
		result.Inserted = int(inserted)
		if raced := len(rows) - int(inserted); raced > 0 {
			// a concurrent ingest stored these between the lookup and the insert
			for i := 0; i < raced; i++ {
				result.DuplicateExisting = append(result.DuplicateExisting, "****")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"product_id":         input.ProductID.String(),
		"bucket":             bucket,
		"inserted":           result.Inserted,
		"duplicate_batch":    len(result.DuplicateInBatch),
		"duplicate_existing": len(result.DuplicateExisting),
		"blank":              result.Blank,
	}), "inventory codes ingested")
	return result, nil
}

func (s *service) Available(ctx context.Context, productID uuid.UUID, bucket string) (int64, error) {
	if productID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "product_id is required")
	}
	count, err := s.repo.CountAvailable(ctx, productID, strings.TrimSpace(bucket))
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count available codes")
	}
	return count, nil
}

// Reveal decrypts the codes sold to an order.
func (s *service) Reveal(ctx context.Context, orderID uuid.UUID) ([]string, error) {
	codes, err := s.repo.ListSoldToOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list sold codes")
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		plain, err := s.codec.OpenString(c.Ciphertext)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "open code")
		}
		out = append(out, plain)
	}
	return out, nil
}

func (s *service) record(result string) {
	if s.metrics != nil {
		s.metrics.IncAllocation(result)
	}
}

func normalizeBucket(bucket string) string {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return DefaultBucket
	}
	return bucket
}

func mask(code string) string {
	norm := security.NormalizeCode(code)
	if len(norm) <= 4 {
		return "****"
	}
	return "****" + norm[len(norm)-4:]
}
