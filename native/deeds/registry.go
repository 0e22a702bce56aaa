// Package deeds is the in-process non-fungible registry that tracks custody of
// tokenized property records.
package deeds

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"deedescrow/core/events"
	"deedescrow/core/state"
	"deedescrow/core/types"
	"deedescrow/crypto"
)

var (
	ErrTokenNotFound    = errors.New("deeds: token not found")
	ErrNotOwner         = errors.New("deeds: from is not the owner")
	ErrNotAuthorized    = errors.New("deeds: caller is not owner or approved")
	ErrInvalidRecipient = errors.New("deeds: invalid recipient")
	ErrSelfApproval     = errors.New("deeds: approval to current owner")
)

var (
	nextIDKey      = []byte("deed/next")
	tokenPrefix    = []byte("deed/token:")
	balancePrefix  = []byte("deed/balance:")
	operatorPrefix = []byte("deed/operator:")
)

// Token is the stored view of one deed.
type Token struct {
	ID       uint64
	Owner    [20]byte
	URI      string
	Approved [20]byte
}

type tokenEvent struct{ evt *types.Event }

func (e tokenEvent) EventType() string   { return e.evt.Type }
func (e tokenEvent) Event() *types.Event { return e.evt }

// Registry stores deeds in its own namespace. Ids are sequential from 1.
type Registry struct {
	state   *state.Manager
	emitter events.Emitter
}

// NewRegistry binds a registry to manager.
func NewRegistry(manager *state.Manager) *Registry {
	return &Registry{state: manager, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

func idKey(prefix []byte, id uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], id)
	return buf
}

func addrKey(prefix []byte, addrs ...[20]byte) []byte {
	buf := append([]byte(nil), prefix...)
	for _, a := range addrs {
		buf = append(buf, a[:]...)
	}
	return buf
}

func loadToken(tx *state.Tx, id uint64) (*Token, error) {
	token := new(Token)
	ok, err := tx.KVGet(idKey(tokenPrefix, id), token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	return token, nil
}

func loadBalance(tx *state.Tx, owner [20]byte) (uint64, error) {
	var n uint64
	_, err := tx.KVGet(addrKey(balancePrefix, owner), &n)
	return n, err
}

func adjustBalance(tx *state.Tx, owner [20]byte, delta int) error {
	n, err := loadBalance(tx, owner)
	if err != nil {
		return err
	}
	if delta < 0 && n == 0 {
		return fmt.Errorf("deeds: balance underflow")
	}
	return tx.KVPut(addrKey(balancePrefix, owner), uint64(int64(n)+int64(delta)))
}

func isOperator(tx *state.Tx, owner, operator [20]byte) (bool, error) {
	var approved bool
	_, err := tx.KVGet(addrKey(operatorPrefix, owner, operator), &approved)
	return approved, err
}

// Mint creates a new deed owned by owner and returns its id.
func (r *Registry) Mint(ctx context.Context, owner [20]byte, uri string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if owner == ([20]byte{}) {
		return 0, ErrInvalidRecipient
	}
	var id uint64
	err := r.state.Update(func(tx *state.Tx) error {
		var next uint64
		if _, err := tx.KVGet(nextIDKey, &next); err != nil {
			return err
		}
		id = next + 1
		if err := tx.KVPut(nextIDKey, id); err != nil {
			return err
		}
		if err := tx.KVPut(idKey(tokenPrefix, id), &Token{ID: id, Owner: owner, URI: normalizeURI(uri)}); err != nil {
			return err
		}
		return adjustBalance(tx, owner, 1)
	})
	if err != nil {
		return 0, err
	}
	r.emit("deed.minted", map[string]string{
		"tokenId": fmt.Sprint(id),
		"owner":   crypto.FormatAddress(owner),
	})
	return id, nil
}

// normalizeURI trims and NFC-normalizes a token URI so visually identical
// URIs are stored identically.
func normalizeURI(uri string) string {
	return norm.NFC.String(strings.TrimSpace(uri))
}

// Token returns the stored deed.
func (r *Registry) Token(ctx context.Context, id uint64) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var token *Token
	err := r.state.View(func(tx *state.Tx) error {
		var err error
		token, err = loadToken(tx, id)
		return err
	})
	return token, err
}

// OwnerOf returns the current holder of id.
func (r *Registry) OwnerOf(ctx context.Context, id uint64) ([20]byte, error) {
	token, err := r.Token(ctx, id)
	if err != nil {
		return [20]byte{}, err
	}
	return token.Owner, nil
}

// TokenURI returns the metadata location recorded at mint time.
func (r *Registry) TokenURI(ctx context.Context, id uint64) (string, error) {
	token, err := r.Token(ctx, id)
	if err != nil {
		return "", err
	}
	return token.URI, nil
}

// Balance returns the number of deeds held by owner.
func (r *Registry) Balance(ctx context.Context, owner [20]byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n uint64
	err := r.state.View(func(tx *state.Tx) error {
		var err error
		n, err = loadBalance(tx, owner)
		return err
	})
	return n, err
}

// TotalSupply returns the number of deeds minted so far.
func (r *Registry) TotalSupply(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n uint64
	err := r.state.View(func(tx *state.Tx) error {
		_, err := tx.KVGet(nextIDKey, &n)
		return err
	})
	return n, err
}

// Approve lets operator move id on the owner's behalf. The caller must be the
// owner or one of the owner's operators. The zero address clears approval.
func (r *Registry) Approve(ctx context.Context, caller [20]byte, id uint64, operator [20]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var owner [20]byte
	err := r.state.Update(func(tx *state.Tx) error {
		token, err := loadToken(tx, id)
		if err != nil {
			return err
		}
		owner = token.Owner
		if operator == owner {
			return ErrSelfApproval
		}
		if caller != owner {
			ok, err := isOperator(tx, owner, caller)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotAuthorized
			}
		}
		token.Approved = operator
		return tx.KVPut(idKey(tokenPrefix, id), token)
	})
	if err != nil {
		return err
	}
	r.emit("deed.approval", map[string]string{
		"tokenId":  fmt.Sprint(id),
		"owner":    crypto.FormatAddress(owner),
		"approved": crypto.FormatAddress(operator),
	})
	return nil
}

// SetApprovalForAll grants or revokes operator rights over every deed of caller.
func (r *Registry) SetApprovalForAll(ctx context.Context, caller, operator [20]byte, approved bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if caller == operator {
		return ErrSelfApproval
	}
	err := r.state.Update(func(tx *state.Tx) error {
		return tx.KVPut(addrKey(operatorPrefix, caller, operator), approved)
	})
	if err != nil {
		return err
	}
	r.emit("deed.approval_for_all", map[string]string{
		"owner":    crypto.FormatAddress(caller),
		"operator": crypto.FormatAddress(operator),
		"approved": fmt.Sprint(approved),
	})
	return nil
}

// IsApprovedForAll reports whether operator may move every deed of owner.
func (r *Registry) IsApprovedForAll(ctx context.Context, owner, operator [20]byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := r.state.View(func(tx *state.Tx) error {
		var err error
		ok, err = isOperator(tx, owner, operator)
		return err
	})
	return ok, err
}

// TransferFrom moves id from from to to. from must hold the deed and caller
// must be the holder, approved for the deed, or an operator of from. The
// per-deed approval is cleared.
func (r *Registry) TransferFrom(ctx context.Context, caller, from, to [20]byte, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == ([20]byte{}) {
		return ErrInvalidRecipient
	}
	err := r.state.Update(func(tx *state.Tx) error {
		token, err := loadToken(tx, id)
		if err != nil {
			return err
		}
		if token.Owner != from {
			return fmt.Errorf("%w: deed %d", ErrNotOwner, id)
		}
		if caller != from && caller != token.Approved {
			ok, err := isOperator(tx, from, caller)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: deed %d", ErrNotAuthorized, id)
			}
		}
		token.Owner = to
		token.Approved = [20]byte{}
		if err := tx.KVPut(idKey(tokenPrefix, id), token); err != nil {
			return err
		}
		if err := adjustBalance(tx, from, -1); err != nil {
			return err
		}
		return adjustBalance(tx, to, 1)
	})
	if err != nil {
		return err
	}
	r.emit("deed.transferred", map[string]string{
		"tokenId": fmt.Sprint(id),
		"from":    crypto.FormatAddress(from),
		"to":      crypto.FormatAddress(to),
	})
	return nil
}

func (r *Registry) emit(eventType string, attrs map[string]string) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(tokenEvent{evt: &types.Event{Type: eventType, Attributes: attrs}})
}
