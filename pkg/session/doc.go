// Package session manages the lifecycle of sandboxed browser and desktop
// sessions: creation, tagging, stop with archival, and reconciliation.
//
// Invariants:
//   - A session id is active or closed, never both once Archive returns.
//   - A closed record is written only after the environment has been told to stop.
//   - Stops for the same id are serialized; exactly one concurrent stop succeeds.
//   - A tag matching several active sessions is reported, never guessed.
//
// Usage:
//
//	store, _ := session.OpenStore(session.DriverSQLite, "/tmp/marinabox/sessions.db")
//	mgr, _ := session.NewManager(session.ManagerConfig{Store: store, Runtime: rt})
//	sess, _ := mgr.Create(ctx, session.CreateRequest{EnvType: session.EnvBrowser})
//	closed, _ := mgr.Stop(ctx, sess.ID, session.StopOptions{})
//	_ = closed
package session
