package sqlinline

// QAcquireLease inserts a lease or takes over an expired one. No row means a
// live lease is held elsewhere.
const QAcquireLease = `--sql 47b0d433-2421-4cca-958e-e6857364719c
insert into job_leases (job_id, holder, expires_at, cancel_requested)
values ($1::text, $2::text, now() + ($3::bigint * interval '1 millisecond'), false)
on conflict (job_id) do update
set holder = excluded.holder,
    expires_at = excluded.expires_at,
    cancel_requested = false
where job_leases.expires_at < now()
returning job_id, holder, expires_at, cancel_requested;
`

const QRenewLease = `--sql 4a8d5d65-17f6-455d-a743-5f07d00dac9e
update job_leases
set expires_at = now() + ($3::bigint * interval '1 millisecond')
where job_id = $1::text
  and holder = $2::text
  and expires_at >= now()
returning job_id, holder, expires_at, cancel_requested;
`

const QReleaseLease = `--sql eb22cd06-c2f9-4378-9ca0-039a64d24252
delete from job_leases where job_id = $1::text and holder = $2::text;
`

const QRequestLeaseCancel = `--sql c249df44-860c-4cf7-a29c-756a54858d1b
update job_leases
set cancel_requested = true
where job_id = $1::text
  and expires_at >= now();
`

// QSelectLease reports expiry against the database clock.
const QSelectLease = `--sql 66164ded-5881-4a3a-9861-2c8600bf79c5
select job_id, holder, expires_at, cancel_requested
from job_leases
where job_id = $1::text;
`
