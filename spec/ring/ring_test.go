package ring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInRange(t *testing.T) {
	as := require.New(t)

	cases := []struct {
		x, lo, hi uint64
		expected  bool
	}{
		{5, 1, 10, true},
		{10, 1, 10, true},
		{1, 1, 10, false},
		{11, 1, 10, false},
		{0, math.MaxUint64 - 5, 5, true},
		{math.MaxUint64, math.MaxUint64 - 5, 5, true},
		{5, math.MaxUint64 - 5, 5, true},
		{6, math.MaxUint64 - 5, 5, false},
		{math.MaxUint64 - 5, math.MaxUint64 - 5, 5, false},
		{42, 7, 7, true},
		{7, 7, 7, true},
	}

	for _, tc := range cases {
		as.Equal(tc.expected, InRange(tc.x, tc.lo, tc.hi), "x=%d lo=%d hi=%d", tc.x, tc.lo, tc.hi)
	}
}

func TestInRangeArc(t *testing.T) {
	as := require.New(t)

	// every point lies on exactly one of the two arcs (lo, hi] and (hi, lo]
	points := []uint64{0, 1, 100, 1 << 32, math.MaxUint64 / 2, math.MaxUint64 - 1, math.MaxUint64}
	for _, lo := range points {
		for _, hi := range points {
			if lo == hi {
				continue
			}
			for _, x := range points {
				as.NotEqual(InRange(x, lo, hi), InRange(x, hi, lo), "x=%d lo=%d hi=%d", x, lo, hi)
			}
		}
	}
}

func TestBetweenStrict(t *testing.T) {
	as := require.New(t)

	as.True(BetweenStrict(1, 5, 10))
	as.False(BetweenStrict(1, 10, 10))
	as.False(BetweenStrict(1, 1, 10))
	as.True(BetweenStrict(math.MaxUint64-1, 0, 3))
	as.True(BetweenStrict(4, 9, 4))
	as.False(BetweenStrict(4, 4, 4))
}

func TestModuloSum(t *testing.T) {
	as := require.New(t)

	as.Equal(uint64(4), ModuloSum(math.MaxUint64, 5))
	as.Equal(uint64(1)<<63, ModuloSum(0, 1<<63))
	as.Equal(uint64(10), Distance(math.MaxUint64-4, 5))
}

func TestErrorCodes(t *testing.T) {
	as := require.New(t)

	for _, err := range []error{ErrNotEnoughPeers, ErrMaxHops, ErrObjectSuperseded, ErrAnnounceSpoofed} {
		code := ErrorCode(fmt.Errorf("wrapped: %w", err))
		as.ErrorIs(ErrorFromCode(code, err.Error()), err)
	}

	as.Equal(CodeOK, ErrorCode(nil))
	as.NoError(ErrorFromCode(CodeOK, ""))

	code := ErrorCode(NewValidationError("balance %d", -1))
	var ve *ValidationError
	as.True(errors.As(ErrorFromCode(code, "balance -1"), &ve))
	as.Equal("balance -1", ve.Reason)

	unknown := ErrorFromCode(ErrorCode(errors.New("boom")), "boom")
	as.Error(unknown)
	as.Contains(unknown.Error(), "boom")
}

func TestErrorIsRetryable(t *testing.T) {
	as := require.New(t)

	as.True(ErrorIsRetryable(ErrNotEnoughPeers))
	as.True(ErrorIsRetryable(fmt.Errorf("x: %w", ErrInsufficientPeers)))
	as.False(ErrorIsRetryable(ErrObjectSuperseded))
	as.False(ErrorIsRetryable(nil))
	as.False(ErrorIsRetryable(errors.New("random")))
}

func TestErrorClassificationOrder(t *testing.T) {
	as := require.New(t)

	quorumFirst := fmt.Errorf("%w: %w", ErrNotEnoughPeers, ErrMaxHops)
	routingFirst := fmt.Errorf("%w: %w", ErrMaxHops, ErrNotEnoughPeers)
	nested := fmt.Errorf("reading: %w", quorumFirst)

	for i := 0; i < 200; i++ {
		as.Equal(Code("not_enough_peers"), ErrorCode(quorumFirst))
		as.True(ErrorIsRetryable(quorumFirst))

		as.Equal(Code("max_hops"), ErrorCode(routingFirst))
		as.False(ErrorIsRetryable(routingFirst))

		as.Equal(Code("not_enough_peers"), ErrorCode(nested))
		as.True(ErrorIsRetryable(nested))
	}

	as.Equal(Code("insufficient_peers"), ErrorCode(fmt.Errorf("%w: %w", context.DeadlineExceeded, ErrInsufficientPeers)))
	as.Equal(codeValidation, ErrorCode(fmt.Errorf("%w: %w", NewValidationError("bad"), ErrNotEnoughPeers)))
}
