// Package sqlinline holds every SQL statement the services execute. Each
// query begins with a `--sql <uuid>` marker line checked by tools/sqllint.
package sqlinline

const QEnqueueRenderJob = `--sql 9c1f3e52-7a4b-4d0e-8f21-3b6a5d7c9e10
insert into render_jobs (id, status, request_json)
values ($1, 'QUEUED', $2)
returning id, status, request_json, result_json, coalesce(error_message, ''), created_at, updated_at;
`

const QClaimRenderJob = `--sql 2b7d4c18-5e3f-4a9b-b6c2-8d1e0f4a7b35
with next_job as (
    select id
    from render_jobs
    where status = 'QUEUED'
    order by created_at asc
    for update skip locked
    limit 1
),
updated as (
    update render_jobs
    set status = 'RUNNING', updated_at = now()
    where id in (select id from next_job)
    returning id, status, request_json, result_json, coalesce(error_message, ''), created_at, updated_at
)
select * from updated;
`

const QCompleteRenderJob = `--sql 6e0a9f3d-1c8b-4f27-9a5e-4d3c2b1a0f98
update render_jobs
set status = $2,
    result_json = $3,
    error_message = nullif($4, ''),
    updated_at = now()
where id = $1;
`

const QGetRenderJob = `--sql d4a83b61-0f2e-4c9d-8b7a-5e6f1c2d3a47
select id, status, request_json, result_json, coalesce(error_message, ''), created_at, updated_at
from render_jobs
where id = $1;
`

const QRequeueStaleRenderJobs = `--sql 71c5e2a9-3d4f-4b8e-a0c6-9f8e7d6c5b43
update render_jobs
set status = 'QUEUED', updated_at = now()
where status = 'RUNNING'
  and updated_at < now() - make_interval(secs => $1);
`
