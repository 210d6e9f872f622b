package sqlinline

const QEnqueueJob = `--sql c107d53b-01c5-4cd1-bfd1-ce203ecebd6c
insert into job_queue (job_id) values ($1::text);
`

// QClaimQueueItems hides up to $1 visible items for $2 milliseconds.
const QClaimQueueItems = `--sql 0cd30e5d-506d-4d4f-89de-2d333c162bef
with next_items as (
    select id
    from job_queue
    where claimed_until is null or claimed_until < now()
    order by id asc
    for update skip locked
    limit $1::int
)
update job_queue q
set claimed_until = now() + ($2::bigint * interval '1 millisecond')
from next_items
where q.id = next_items.id
returning q.id, q.job_id, q.claimed_until;
`

const QAckQueueItem = `--sql e1346b5a-ca32-4fb2-bb5d-69bb9fcb6f7f
delete from job_queue where id = $1::bigint;
`

const QQueuePending = `--sql d806e586-eeb3-4ad4-b827-00a7d048c630
select exists (select 1 from job_queue where job_id = $1::text);
`
