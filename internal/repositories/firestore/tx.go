package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
)

// Repositories participate in an ambient transaction when one is present on
// the context. The registry's RunInTx installs it; outside a transaction the
// helpers fall back to direct client operations.

type txContextKey struct{}

func withTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func transactionFrom(ctx context.Context) (*firestore.Transaction, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*firestore.Transaction)
	return tx, ok && tx != nil
}

func getDocument(ctx context.Context, ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	if tx, ok := transactionFrom(ctx); ok {
		return tx.Get(ref)
	}
	return ref.Get(ctx)
}

func setDocument(ctx context.Context, ref *firestore.DocumentRef, data any, opts ...firestore.SetOption) error {
	if tx, ok := transactionFrom(ctx); ok {
		return tx.Set(ref, data, opts...)
	}
	_, err := ref.Set(ctx, data, opts...)
	return err
}

func createDocument(ctx context.Context, ref *firestore.DocumentRef, data any) error {
	if tx, ok := transactionFrom(ctx); ok {
		return tx.Create(ref, data)
	}
	_, err := ref.Create(ctx, data)
	return err
}

func updateDocument(ctx context.Context, ref *firestore.DocumentRef, updates []firestore.Update, preconds ...firestore.Precondition) error {
	if tx, ok := transactionFrom(ctx); ok {
		return tx.Update(ref, updates, preconds...)
	}
	_, err := ref.Update(ctx, updates, preconds...)
	return err
}

func deleteDocument(ctx context.Context, ref *firestore.DocumentRef, preconds ...firestore.Precondition) error {
	if tx, ok := transactionFrom(ctx); ok {
		return tx.Delete(ref, preconds...)
	}
	_, err := ref.Delete(ctx, preconds...)
	return err
}

func queryDocuments(ctx context.Context, query firestore.Query) *firestore.DocumentIterator {
	if tx, ok := transactionFrom(ctx); ok {
		return tx.Documents(query)
	}
	return query.Documents(ctx)
}
