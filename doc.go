// Package morag is the orchestration core of a virtual machine control
// plane. It tracks asynchronous tasks, pools connections to hypervisor
// endpoints, schedules placement of new nodes across the fleet, orchestrates
// live and offline migrations, and fans lifecycle events out to in-process
// subscribers and signed webhooks.
//
// Durable records (tasks, hosts, migrations, webhook subscriptions) live in a
// key value store behind pkg/kv, one record tree per entity. Entities share a
// Context carrying the kv client and follow a common pattern: NewX to create,
// X(id) to fetch, Refresh/Validate/Save for round trips, ForEachX to iterate.
package morag
