/*
Package store defines the shared configuration store interface the engine
writes attributes through, and provides a BoltDB-backed implementation for
standalone deployments.

All writes are asynchronous. A call returns an opaque call ID and the
result arrives later on the Completions channel, letting the engine
correlate it with the submitted value without blocking its event loop:

	callID := st.Upsert(store.WriteRequest{
		Section: types.SectionStatus,
		Owner:   "node-1",
		Name:    "fail-count-web",
		Value:   types.StringValue("1"),
	})
	...
	c := <-st.Completions() // c.CallID == callID

The BoltStore keeps attributes in nested buckets (section/owner/name) and
tracks which owners are remote-class nodes so DeleteMatching can bulk-clear
failure attributes across them.
*/
package store
