package membership_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weiawesome/chapter-chat/internal/domain"
	"github.com/weiawesome/chapter-chat/internal/membership"
	"github.com/weiawesome/chapter-chat/internal/mocks"
	"go.uber.org/mock/gomock"
)

func TestCheck(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockOracle(ctrl)
	ctx := context.Background()

	t.Run("member", func(t *testing.T) {
		oracle.EXPECT().RoomsForUser(gomock.Any(), "42").Return([]string{"7"}, nil)
		require.NoError(t, membership.Check(ctx, oracle, "42", "7"))
	})

	t.Run("not a member", func(t *testing.T) {
		oracle.EXPECT().RoomsForUser(gomock.Any(), "42").Return([]string{"7"}, nil)
		err := membership.Check(ctx, oracle, "42", "9")
		require.ErrorIs(t, err, domain.ErrNotMember)
		require.Equal(t, "not a member of this chapter", domain.PublicReason(err))
	})

	t.Run("oracle failure denies any room", func(t *testing.T) {
		oracle.EXPECT().RoomsForUser(gomock.Any(), "42").Return(nil, errors.New("boom"))
		err := membership.Check(ctx, oracle, "42", "7")
		require.ErrorIs(t, err, domain.ErrMembershipUnavailable)
		require.Equal(t, "membership check failed", domain.PublicReason(err))
	})
}
