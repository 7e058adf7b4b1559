package sqlinline

const ledgerColumns = `job_id, unit_index, external_task_id, prompt_snapshot, status, error_message,
       result_ref, created_at, updated_at`

const QLedgerEntryExists = `--sql 5966f9e4-3d80-45d3-b3e5-4d5f919af143
select exists (
    select 1 from task_ledger where job_id = $1 and unit_index = $2
);
`

// QInsertLedgerEntry relies on the (job_id, unit_index) primary key; a
// duplicate insert affects zero rows instead of failing.
const QInsertLedgerEntry = `--sql 150f47f9-b428-4857-b805-2ac94d7a5c27
insert into task_ledger (job_id, unit_index, external_task_id, prompt_snapshot, status, error_message)
values ($1, $2, $3, $4, $5, $6)
on conflict (job_id, unit_index) do nothing;
`

const QListLedgerByJob = `--sql 2f6b0ce5-5e11-4c6e-b8c2-3c3fa93a215b
select ` + ledgerColumns + `
from task_ledger
where job_id = $1
order by unit_index asc;
`

const QListPendingLedger = `--sql 0ea8a6dc-d450-4acf-b6ea-72be54ab1821
select l.job_id, l.unit_index, l.external_task_id, l.prompt_snapshot, l.status, l.error_message,
       l.result_ref, l.created_at, l.updated_at
from task_ledger l
join generation_jobs j on j.id = l.job_id
where l.status = 'pending'
  and l.external_task_id is not null
  and j.status = 'processing'
order by l.polled_at asc nulls first, l.created_at asc
limit $1;
`

// QMarkLedgerPolled rotates a still-running row behind rows not yet checked.
const QMarkLedgerPolled = `--sql 8d2e4b71-3c9a-4f05-b6e8-1a7c0d94f352
update task_ledger
set polled_at = now()
where job_id = $1 and unit_index = $2 and status = 'pending';
`

const QResolveLedgerEntry = `--sql 6b38f940-fe8f-44dc-b616-7d770564c3ae
update task_ledger
set status = $3, result_ref = $4, error_message = $5, updated_at = now()
where job_id = $1 and unit_index = $2 and status = 'pending';
`

const QSummarizeLedger = `--sql ebd6656f-e151-43b6-91fa-efec84134d5a
select count(*),
       count(*) filter (where status = 'pending'),
       count(*) filter (where status = 'completed'),
       count(*) filter (where status = 'failed')
from task_ledger
where job_id = $1;
`
