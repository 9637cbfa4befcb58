// Package receipt guards receipt numbers against reuse inside the dedup window.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxLength bounds a normalized receipt so that action tokens fit the
// 64 byte callback payload limit.
const MaxLength = 32

const tracerName = "github.com/MEKXH/waybill/internal/receipt"

// Store is the durable receipt registry shared by every engine instance.
type Store interface {
	// Exists reports whether receipt was registered at or after since.
	Exists(ctx context.Context, receipt string, since time.Time) (bool, error)
	// Insert registers receipt at the given time and returns ErrConflict on
	// a uniqueness violation.
	Insert(ctx context.Context, receipt string, at time.Time) error
}

// Normalize trims and upper-cases a raw receipt number.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Validate checks a normalized receipt: non-empty, at most MaxLength
// characters of A-Z, 0-9, '-' and '/'.
func Validate(receipt string) error {
	if receipt == "" {
		return invalidError("receipt number is required")
	}
	if utf8.RuneCountInString(receipt) > MaxLength {
		return invalidError(fmt.Sprintf("receipt number must be at most %d characters", MaxLength))
	}
	for _, r := range receipt {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '/':
		default:
			return invalidError(fmt.Sprintf("receipt number contains invalid character %q", r))
		}
	}
	return nil
}

// WindowStart returns the oldest registration time still counted as in use.
// A non-positive days value selects the default three calendar months.
func WindowStart(now time.Time, days int) time.Time {
	if days <= 0 {
		return now.AddDate(0, -3, 0)
	}
	return now.AddDate(0, 0, -days)
}

// Coordinator admits receipt numbers. The pre-check only gives a fast answer;
// the store's uniqueness constraint decides races.
type Coordinator struct {
	store      Store
	windowDays int
	now        func() time.Time
	tracer     trace.Tracer
}

// NewCoordinator creates a coordinator over store. windowDays <= 0 selects
// the three month default.
func NewCoordinator(store Store, windowDays int) *Coordinator {
	return &Coordinator{
		store:      store,
		windowDays: windowDays,
		now:        time.Now,
		tracer:     otel.Tracer(tracerName),
	}
}

// Admit normalizes, validates and registers raw. It returns the normalized
// receipt on success; failures are classified by IsInvalid, IsDuplicate and
// IsStoreUnavailable.
func (c *Coordinator) Admit(ctx context.Context, raw string) (string, error) {
	receipt := Normalize(raw)
	if err := Validate(receipt); err != nil {
		return "", err
	}

	ctx, span := c.tracer.Start(ctx, "receipt.admit",
		trace.WithAttributes(attribute.String("receipt.number", receipt)),
	)
	defer span.End()

	now := c.now().UTC()
	exists, err := c.store.Exists(ctx, receipt, WindowStart(now, c.windowDays))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pre-check failed")
		return "", storeError(err)
	}
	if exists {
		span.SetAttributes(attribute.String("receipt.outcome", "duplicate"))
		return "", duplicateError(receipt)
	}

	if err := c.store.Insert(ctx, receipt, now); err != nil {
		if errors.Is(err, ErrConflict) {
			span.SetAttributes(attribute.String("receipt.outcome", "race_conflict"))
			return "", duplicateError(receipt)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return "", storeError(err)
	}

	span.SetAttributes(attribute.String("receipt.outcome", "accepted"))
	return receipt, nil
}
