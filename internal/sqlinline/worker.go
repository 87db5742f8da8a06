package sqlinline

const QWorkerClaimStaleJob = `--sql 5219857c-7226-4069-ac8b-a6428b5322ee
with next_job as (
    select id
    from job_cache
    where status = 'in_progress'
      and expires_at > now()
      and updated_at < $1::timestamptz
      and (claimed_at is null or claimed_at < $1::timestamptz)
    order by updated_at asc
    for update skip locked
    limit 1
),
claimed as (
    update job_cache
    set claimed_at = now()
    where id in (select id from next_job)
    returning id
)
select id from claimed;
`

const QWorkerReleaseJob = `--sql 1b546079-4afb-4a66-8e9a-0df85a787b5c
update job_cache
set claimed_at = null
where id = $1::text;
`
