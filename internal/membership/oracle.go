// Package membership answers which chapters a user may join.
package membership

//go:generate mockgen -destination=../mocks/mock_oracle.go -package=mocks github.com/weiawesome/chapter-chat/internal/membership Oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/weiawesome/chapter-chat/internal/domain"
)

// Oracle lists the rooms a user belongs to. Any error means the answer is
// unknown and callers must deny.
type Oracle interface {
	RoomsForUser(ctx context.Context, userID string) ([]string, error)
}

// Check returns nil only when the oracle positively lists roomID for userID.
// Oracle failures are wrapped in domain.ErrMembershipUnavailable.
func Check(ctx context.Context, oracle Oracle, userID, roomID string) error {
	rooms, err := oracle.RoomsForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrMembershipUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrMembershipUnavailable, err)
	}
	if !lo.Contains(rooms, roomID) {
		return domain.ErrNotMember
	}
	return nil
}
