package sqlinline

const QEnsureSchema = `--sql 6ae7b5d2-1b20-4946-889a-325c75137573
create table if not exists jobs (
    id          text primary key,
    status      text not null,
    progress    int,
    message     text not null default '',
    input       jsonb not null,
    model_id    text not null default '',
    source      text not null default '',
    output      text not null default '',
    error       jsonb,
    attempt     int not null default 0,
    created_at  timestamptz not null default now(),
    updated_at  timestamptz not null default now()
);
create index if not exists idx_jobs_status on jobs (status, updated_at);
create index if not exists idx_jobs_created on jobs (created_at desc, id desc);

create table if not exists job_queue (
    id             bigserial primary key,
    job_id         text not null references jobs(id),
    enqueued_at    timestamptz not null default now(),
    claimed_until  timestamptz
);
create index if not exists idx_job_queue_job on job_queue (job_id);

create table if not exists job_leases (
    job_id            text primary key references jobs(id),
    holder            text not null,
    expires_at        timestamptz not null,
    cancel_requested  boolean not null default false
);

create table if not exists integration_tokens (
    id          uuid primary key default gen_random_uuid(),
    provider    text not null unique,
    token       text not null,
    properties  jsonb not null default '{}'::jsonb,
    created_at  timestamptz not null default now(),
    updated_at  timestamptz not null default now()
);
`
