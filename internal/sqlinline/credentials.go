package sqlinline

const QSelectProviderCredential = `--sql 3c1f7a2e-5b84-4e0d-9a61-d27f0c8be413
select token
from provider_credentials
where provider = $1::text
limit 1;
`

const QUpsertProviderCredential = `--sql 9e52b6d1-0a7f-4c38-8f25-61ad3e4c7b90
insert into provider_credentials (provider, token, properties, updated_at)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now())
on conflict (provider) do update
set token = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`
