package sqlinline

const QEnsureJobCache = `--sql 5c2770b6-14eb-4308-b3cd-ff40a53051cb
create table if not exists job_cache (
    id text primary key,
    status text not null default '',
    mode text not null default '',
    payload jsonb not null,
    expires_at timestamptz not null,
    updated_at timestamptz not null default now(),
    claimed_at timestamptz
);
create index if not exists idx_job_cache_expires_at on job_cache (expires_at);
create index if not exists idx_job_cache_status_updated on job_cache (status, updated_at);
`

const QSelectCachedJob = `--sql 70263698-62f8-4abe-a598-9581e986b133
select payload
from job_cache
where id = $1::text
limit 1;
`

const QUpsertCachedJob = `--sql f7b6309a-7bb3-4bfb-b45c-6676690c1594
insert into job_cache (id, status, mode, payload, expires_at, updated_at)
values ($1::text, $2::text, $3::text, $4::jsonb, $5::timestamptz, $6::timestamptz)
on conflict (id) do update set
    status = excluded.status,
    mode = excluded.mode,
    payload = excluded.payload,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at;
`

const QDeleteCachedJob = `--sql ff8b8995-c1e1-42e3-8564-23885c861334
delete from job_cache
where id = $1::text;
`

const QListCachedJobs = `--sql adf6ac95-27db-4511-81a2-8086ff07f986
select payload
from job_cache
where expires_at >= $1::timestamptz
  and ($2::text = '' or status = $2::text)
  and ($3::text = '' or mode = $3::text)
order by updated_at desc
limit nullif($4::int, 0);
`

const QClearExpiredCachedJobs = `--sql b6ecd46d-12dc-433f-9b0d-d6c0424bd62b
delete from job_cache
where expires_at < $1::timestamptz;
`
