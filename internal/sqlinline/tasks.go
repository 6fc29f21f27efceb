package sqlinline

const QInsertTask = `--sql 2d7dd13d-901b-43fd-9bbc-a6b688c7b30d
insert into tasks (id, user_id, status, credits_spent, billing_error, doc, created_at, updated_at)
values ($1::text, $2::text, $3::text, 0, '', $4::jsonb, $5::timestamptz, $5::timestamptz);
`

const QSelectTask = `--sql db3647e5-1291-47bf-bd92-80d394926495
select doc, status, credits_spent, billing_error, created_at, updated_at
from tasks
where id = $1::text;
`

// QUpdateTask rewrites the task document and status. credits_spent and
// billing_error are ledger-owned columns and are deliberately untouched.
const QUpdateTask = `--sql d78c2acd-9269-4288-b624-e99d4b7e6911
update tasks
set status = $2::text,
    doc = $3::jsonb,
    updated_at = $4::timestamptz
where id = $1::text;
`

const QCountActiveTasks = `--sql 8ae237ad-dd7b-44f2-8618-4e40c8e776bf
select count(*)
from tasks
where user_id = $1::text
  and status = any ($2::text[]);
`

const QOldestQueuedTask = `--sql cdb761ce-6dfe-4795-815c-f044e88acae0
select doc, status, credits_spent, billing_error, created_at, updated_at
from tasks
where user_id = $1::text
  and status = 'QUEUED'
order by created_at asc
limit 1;
`

const QSelectTaskOwner = `--sql a027237f-6bb8-486f-8420-4d7f9cb862c2
select user_id
from tasks
where id = $1::text;
`

const QAddTaskCreditsSpent = `--sql dc687d0f-70fa-4aca-84a7-8318be5d1550
update tasks
set credits_spent = credits_spent + $2::integer,
    updated_at = now()
where id = $1::text;
`

const QSetTaskBillingError = `--sql ca11189a-ad34-446e-a706-a01c3ad786eb
update tasks
set billing_error = $2::text,
    updated_at = now()
where id = $1::text;
`
