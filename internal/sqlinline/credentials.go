package sqlinline

const QEnsureCredentials = `--sql 0b6f3c41-5d7e-4a8b-9f21-3c4d5e6f7a81
create table if not exists api_credentials (
    provider text primary key,
    token text not null,
    properties jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`

const QSelectCredential = `--sql 8a8e0d52-7f5d-4f21-8b7d-f7d4b821eed7
select token
from api_credentials
where provider = $1::text
limit 1;
`

const QUpsertCredential = `--sql 6d4f5660-0f7c-4f73-a1f3-9ab6d5e6c7a3
insert into api_credentials (provider, token, properties, created_at, updated_at)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`

const QDeleteCredential = `--sql 2f9e4d1c-6b3a-4c8e-a7d5-9e1f0b2c3d4e
delete from api_credentials
where provider = $1::text;
`
