package sqlinline

// Job rows are always selected with this column order.
const jobColumns = `id, status, progress, message, input, output, error, attempt, created_at, updated_at`

const QInsertJob = `--sql d81c8b50-23fd-4bc6-93c6-541df920dc64
insert into jobs (id, status, progress, message, input, model_id, source, output, error, attempt, created_at, updated_at)
values ($1::text, $2::text, $3::int, $4::text, $5::jsonb, $6::text, $7::text, '', null, $8::int, $9::timestamptz, $9::timestamptz);
`

const QSelectJob = `--sql 7c0c10fe-8b87-4495-99a2-44ddcf07843c
select ` + jobColumns + `
from jobs
where id = $1::text;
`

const QListJobs = `--sql 41e36908-f2a2-43b1-8a2b-f5dc916acf7c
select ` + jobColumns + `
from jobs
where ($1::text = '' or status = $1::text)
  and ($2::text = '' or model_id = $2::text)
  and ($3::text = '' or source = $3::text)
  and ($4::timestamptz is null or updated_at < $4::timestamptz)
order by created_at desc, id desc
limit $5::int offset $6::int;
`

// QTransitionJob is the compare-and-swap status write. Progress mode is
// 'keep', 'set' or 'clear'.
const QTransitionJob = `--sql ad5d75fb-b509-455f-a6af-f5f5d2f750e8
update jobs
set status = $4::text,
    message = $5::text,
    progress = case $6::text
        when 'clear' then null
        when 'set' then $7::int
        else progress
    end,
    output = $8::text,
    error = $9::jsonb,
    attempt = attempt + $10::int,
    updated_at = now()
where id = $1::text
  and status = $2::text
  and ($3::int < 0 or attempt = $3::int)
returning ` + jobColumns + `;
`

const QUpdateJobProgress = `--sql 7905fff3-107d-4bd6-8331-253c5b6d266a
update jobs
set progress = $3::int,
    message = $4::text,
    updated_at = now()
where id = $1::text
  and status = 'running'
  and attempt = $2::int
  and coalesce(progress, 0) <= $3::int
returning ` + jobColumns + `;
`
