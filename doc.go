// Package txns implements client-side multi-document ACID transactions over
// a document store that offers only per-document compare-and-swap. Mutations
// are staged next to the documents they target, an Active Transaction Record
// (ATR) entry tracks each attempt, and a single CAS write on that entry is
// the commit point. A background cleanup loop in every client process
// discovers abandoned attempts and resolves them, partitioning the work
// across the live clients through a shared, CAS-updated membership record.
// There is no central transaction manager.
//
// Applications run transactions through Manager.Run:
//
//	mgr, err := txns.New(txns.Config{Store: store})
//	if err != nil { ... }
//	defer mgr.Close()
//
//	result, err := mgr.Run(ctx, func(tx *txns.AttemptContext) error {
//		doc, err := tx.Get(ctx, col, "account-a")
//		if err != nil {
//			return err
//		}
//		return tx.Replace(ctx, col, "account-a", updated(doc.Content))
//	})
//
// The callback may be invoked multiple times: transient conflicts roll the
// attempt back and retry it under a fresh attempt id until the transaction
// expires. Errors returned by the callback, and any error not recognized as
// transient, roll back and propagate unchanged.
package txns
