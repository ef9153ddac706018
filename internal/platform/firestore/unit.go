package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
)

// Unit is the ambient transaction created by RunUnit. Firestore requires
// every read in a transaction to happen before the first write, so a Unit
// splits the two phases: callers read through Get right away and queue their
// writes with Stage. The queued writes run after the unit function returns,
// all inside the same transaction, which commits or retries as one.
type Unit struct {
	tx     *firestore.Transaction
	writes []func(tx *firestore.Transaction) error
}

type unitContextKey struct{}

// RunUnit executes fn with a Unit carried in ctx. Repositories that find the
// unit via UnitFrom join the transaction instead of opening their own, so a
// group of repository calls either all commit or all roll back.
func (p *Provider) RunUnit(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("unit", errors.New("firestore: unit function is nil"))
	}
	return p.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		unit := &Unit{tx: tx}
		if err := fn(context.WithValue(ctx, unitContextKey{}, unit)); err != nil {
			return err
		}
		return unit.flush()
	})
}

// UnitFrom returns the ambient unit when ctx runs inside RunUnit.
func UnitFrom(ctx context.Context) (*Unit, bool) {
	unit, ok := ctx.Value(unitContextKey{}).(*Unit)
	return unit, ok
}

// Get reads the document through the transaction.
func (u *Unit) Get(ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	return u.tx.Get(ref)
}

// Stage queues a write to run when the unit function returns without error.
func (u *Unit) Stage(write func(tx *firestore.Transaction) error) {
	u.writes = append(u.writes, write)
}

func (u *Unit) flush() error {
	for _, write := range u.writes {
		if err := write(u.tx); err != nil {
			return err
		}
	}
	return nil
}
