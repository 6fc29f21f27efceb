package sqlinline

const QSelectBillingEvent = `--sql a984d70d-fe2a-4af0-901c-f3ab0ddb0e8c
select kind, key, amount, reason, created_at
from billing_events
where task_id = $1::text
  and key = $2::text;
`

const QInsertBillingEvent = `--sql 4ea54893-0386-4690-994f-6c2fec31c688
insert into billing_events (task_id, kind, key, amount, reason, created_at)
values ($1::text, $2::text, $3::text, $4::integer, $5::text, $6::timestamptz);
`

const QSelectBillingEvents = `--sql 6feac23b-4e45-4664-ae78-9b76b2f62a35
select kind, key, amount, reason, created_at
from billing_events
where task_id = $1::text
order by created_at asc;
`

const QInsertCreditTransaction = `--sql 9f52f070-f10f-434c-b3df-d866e14e28b8
insert into credit_transactions (id, user_id, task_id, amount, balance, reason, created_at)
values ($1::text, $2::text, $3::text, $4::integer, $5::integer, $6::text, $7::timestamptz);
`

const QSelectCreditTransactions = `--sql 2da1dae3-f6bb-4b85-b8ba-ad2a931f4f2d
select id, user_id, task_id, amount, balance, reason, created_at
from credit_transactions
where user_id = $1::text
order by created_at desc
limit $2::integer;
`
