/*
Package maintenance drains hosts so they can be taken offline safely.

Enter moves a host to Draining, evacuates every resident workload to a
scheduler-chosen target with a configurable concurrency bound, and
promotes the host to Maintenance only once the last workload is gone. A
partial drain leaves the host Draining and returns a report naming the
workloads that could not be moved; the controller does not retry on its
own. Exit returns the host to Active without migrating anything back.
*/
package maintenance
