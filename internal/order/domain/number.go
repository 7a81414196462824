package domain

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Sequencer returns the next value of a named counter, starting at 1.
type Sequencer interface {
	Next(ctx context.Context, key string) (int64, error)
}

const maxSequence = 999999

var (
	numberPattern = regexp.MustCompile(`^([A-Z][A-Z0-9]{1,9})-(\d{6})-(\d{6})(\d)$`)
	prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)
)

// NumberFactory formats order numbers as PREFIX-YYMMDD-NNNNNNC where the
// sequence restarts every UTC day per store and C is a Luhn check digit.
type NumberFactory struct {
	seq    Sequencer
	prefix string
}

// NewNumberFactory rejects prefixes that would produce numbers
// ValidateNumber refuses. The prefix is upper-cased first.
func NewNumberFactory(seq Sequencer, prefix string) (*NumberFactory, error) {
	prefix = strings.ToUpper(prefix)
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	return &NumberFactory{seq: seq, prefix: prefix}, nil
}

func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("%w: %q must be a letter followed by 1-9 letters or digits", ErrInvalidPrefix, prefix)
	}
	return nil
}

// SequenceKey names the counter for a store and day.
func SequenceKey(storeID string, now time.Time) string {
	return fmt.Sprintf("ordernum:%s:%s", storeID, now.UTC().Format("060102"))
}

func (f *NumberFactory) Next(ctx context.Context, storeID string, now time.Time) (string, error) {
	n, err := f.seq.Next(ctx, SequenceKey(storeID, now))
	if err != nil {
		return "", err
	}
	if n < 1 || n > maxSequence {
		return "", fmt.Errorf("order sequence for store %s exhausted at %d", storeID, n)
	}
	return FormatNumber(f.prefix, now, n), nil
}

func FormatNumber(prefix string, day time.Time, seq int64) string {
	digits := fmt.Sprintf("%s%06d", day.UTC().Format("060102"), seq)
	return fmt.Sprintf("%s-%s-%s%d", prefix, digits[:6], digits[6:], luhnDigit(digits))
}

// ValidateNumber checks the layout and the check digit of an order number.
func ValidateNumber(s string) error {
	m := numberPattern.FindStringSubmatch(s)
	if m == nil {
		return fmt.Errorf("%w: %q does not match PREFIX-YYMMDD-NNNNNNC", ErrInvalidOrderNumber, s)
	}
	if _, err := time.Parse("060102", m[2]); err != nil {
		return fmt.Errorf("%w: bad date %s", ErrInvalidOrderNumber, m[2])
	}
	if want := luhnDigit(m[2] + m[3]); int(m[4][0]-'0') != want {
		return fmt.Errorf("%w: check digit mismatch", ErrInvalidOrderNumber)
	}
	return nil
}

// luhnDigit computes the digit that makes digits+check pass the Luhn test.
func luhnDigit(digits string) int {
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}

// MemorySequencer is a process-local Sequencer.
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: map[string]int64{}}
}

func (s *MemorySequencer) Next(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}
