/*
Package metrics exposes Paddock's Prometheus instrumentation.

All collectors are package-level and registered at init; components
update them directly (the pool maintains its gauges on checkout and
checkin, the scheduler observes latency per placement). Handler returns
the scrape endpoint handler for mounting at /metrics.

Host endpoints may embed credentials (qemu+ssh://user@host/system);
ScrubEndpoint strips everything before the last '@' so they never leak
into label values.
*/
package metrics
