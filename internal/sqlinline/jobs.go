package sqlinline

const jobColumns = `id, owner_ref, subject_ref, style_id, total_units, completed_units, status,
       error_message, coalesce(claim_token, ''), dispatch_cursor, created_at, updated_at`

const QInsertJob = `--sql 67050eff-2299-4c92-bf37-9931acb941b0
insert into generation_jobs (id, owner_ref, subject_ref, style_id, total_units, status)
values ($1, $2, $3, $4, $5, 'pending');
`

const QSelectJob = `--sql f7399a12-07e1-4d05-9feb-88e810a47929
select ` + jobColumns + `
from generation_jobs
where id = $1;
`

// QClaimPendingJob is the only statement that performs pending -> processing.
const QClaimPendingJob = `--sql 44d9dd2e-20de-4bba-8918-9a24eacc14c1
update generation_jobs
set status = 'processing', claim_token = $2, updated_at = now()
where id = $1 and status = 'pending';
`

const QAnnotateJobError = `--sql faa2a307-793e-413f-984c-4686dab4e83b
update generation_jobs
set error_message = $2, updated_at = now()
where id = $1 and status in ('pending', 'processing');
`

const QAdvanceDispatchCursor = `--sql 0b637ad9-ce2c-4d50-95a3-12581acf0dc3
update generation_jobs
set dispatch_cursor = $2, updated_at = now()
where id = $1 and dispatch_cursor < $2;
`

// QListSettledJobs selects processing jobs whose every unit has a terminal
// ledger row, so jobs still waiting on the provider never fill the batch.
const QListSettledJobs = `--sql d0936c79-ee50-480b-ab8e-27db1983a4f2
select ` + jobColumns + `
from generation_jobs j
where j.status = 'processing'
  and (select count(*) from task_ledger l where l.job_id = j.id) >= j.total_units
  and not exists (
      select 1 from task_ledger l where l.job_id = j.id and l.status = 'pending'
  )
order by j.updated_at asc
limit $1;
`

const QIncrementCompletedUnits = `--sql 6f42a976-7acf-4506-b233-4dc588e52a92
update generation_jobs
set completed_units = completed_units + 1, updated_at = now()
where id = $1 and status = 'processing' and completed_units < total_units;
`

const QFinalizeJob = `--sql 42a50a04-af43-49c5-b7e3-90865e0147b9
update generation_jobs
set status = $2, error_message = $3, updated_at = now()
where id = $1 and status = 'processing';
`
