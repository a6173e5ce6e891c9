package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/testutil"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("CreateUser", func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		return map[string]any{"userId": "u-1"}, nil
	}))

	h, err := r.Resolve("CreateUser")
	require.NoError(t, err)

	result, err := h(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "u-1", result["userId"])
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := New()
	_, err := r.Resolve("Missing")
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRegistry_RejectsEmptyNameAndNilHandler(t *testing.T) {
	r := New()
	require.Error(t, r.Register("", func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		return nil, nil
	}))
	require.Error(t, r.Register("CreateUser", nil))
}

func TestRegistry_TransactionalWinsConflict(t *testing.T) {
	db := testutil.NewTestStore(t)
	r := New()

	require.NoError(t, r.Register("CreateUser", func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		return map[string]any{"variant": "plain"}, nil
	}))
	require.NoError(t, r.RegisterTx("CreateUser", db, func(ctx context.Context, tx store.Tx, payload json.RawMessage) (map[string]any, error) {
		return map[string]any{"variant": "tx"}, nil
	}))

	h, err := r.Resolve("CreateUser")
	require.NoError(t, err)
	result, err := h(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "tx", result["variant"])

	// The transactional registration also wins when it came first.
	require.NoError(t, r.Register("CreateUser", func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		return map[string]any{"variant": "late-plain"}, nil
	}))
	h, err = r.Resolve("CreateUser")
	require.NoError(t, err)
	result, err = h(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "tx", result["variant"])
}

func TestRegistry_AmbiguousSameKind(t *testing.T) {
	r := New()
	h := func(ctx context.Context, payload json.RawMessage) (map[string]any, error) { return nil, nil }
	require.NoError(t, r.Register("CreateUser", h))
	require.ErrorIs(t, r.Register("CreateUser", h), ErrAmbiguousHandler)
}

func TestRegistry_Names(t *testing.T) {
	r := New()
	h := func(ctx context.Context, payload json.RawMessage) (map[string]any, error) { return nil, nil }
	require.NoError(t, r.Register("CreateUser", h))
	require.NoError(t, r.Register("BookLimits", h))
	require.Equal(t, []string{"BookLimits", "CreateUser"}, r.Names())
}

func TestWithTx_RollsBackHandlerWrites(t *testing.T) {
	db := testutil.NewTestStore(t)
	boom := errors.New("boom")

	h := WithTx(db, func(ctx context.Context, tx store.Tx, payload json.RawMessage) (map[string]any, error) {
		err := tx.Commands().Insert(ctx, &store.Command{
			ID: "c-1", Name: "CreateUser", IdempotencyKey: "k-1",
			Payload: json.RawMessage(`{}`),
		})
		if err != nil {
			return nil, err
		}
		return nil, boom
	})

	_, err := h(context.Background(), nil)
	require.ErrorIs(t, err, boom)

	_, err = db.Commands().Get(context.Background(), "c-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

type CreateAccountCommand struct {
	Owner string `json:"owner"`
}

func (CreateAccountCommand) DomainCommand() {}

type CloseAccountCommand struct {
	AccountID string `json:"accountId"`
}

func (CloseAccountCommand) DomainCommand() {}

type accountService struct{}

func (s *accountService) HandleCreate(ctx context.Context, cmd CreateAccountCommand) (map[string]any, error) {
	return map[string]any{"owner": cmd.Owner}, nil
}

func (s *accountService) HandleClose(ctx context.Context, cmd *CloseAccountCommand) (map[string]any, error) {
	return map[string]any{"accountId": cmd.AccountID}, nil
}

// Ignored: no DomainCommand parameter.
func (s *accountService) HandleOther(ctx context.Context, n int) (map[string]any, error) {
	return nil, nil
}

type rivalService struct{}

func (s *rivalService) HandleCreate(ctx context.Context, cmd CreateAccountCommand) (map[string]any, error) {
	return nil, nil
}

func TestDiscover_RegistersHandlerMethods(t *testing.T) {
	r := New()
	require.NoError(t, r.Discover(&accountService{}))
	require.Equal(t, []string{"CloseAccount", "CreateAccount"}, r.Names())

	h, err := r.Resolve("CreateAccount")
	require.NoError(t, err)
	result, err := h(context.Background(), json.RawMessage(`{"owner":"alice"}`))
	require.NoError(t, err)
	require.Equal(t, "alice", result["owner"])

	// Pointer-parameter handlers decode the same way.
	h, err = r.Resolve("CloseAccount")
	require.NoError(t, err)
	result, err = h(context.Background(), json.RawMessage(`{"accountId":"a-9"}`))
	require.NoError(t, err)
	require.Equal(t, "a-9", result["accountId"])
}

func TestDiscover_AmbiguousHandlerFailsStartup(t *testing.T) {
	r := New()
	err := r.Discover(&accountService{}, &rivalService{})
	require.ErrorIs(t, err, ErrAmbiguousHandler)
}

func TestDiscover_BadPayload(t *testing.T) {
	r := New()
	require.NoError(t, r.Discover(&accountService{}))

	h, err := r.Resolve("CreateAccount")
	require.NoError(t, err)
	_, err = h(context.Background(), json.RawMessage(`not json`))
	require.Error(t, err)
}
