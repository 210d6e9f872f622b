package sqlinline

// ChannelJobEvents is the LISTEN/NOTIFY channel carrying hub messages between
// the worker and API processes.
const ChannelJobEvents = "job_events"

const QNotifyJobEvent = `--sql 14cddda7-a389-47e5-81ca-fc9664f648b9
select pg_notify('job_events', $1::text);
`
