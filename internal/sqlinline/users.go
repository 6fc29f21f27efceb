package sqlinline

const QInsertUser = `--sql 8c644124-1ae8-4189-8231-29e77cf5fd6d
insert into users (id, name, credits, created_at, updated_at)
values ($1::text, $2::text, $3::integer, $4::timestamptz, $4::timestamptz);
`

const QSelectUser = `--sql 80f4a768-4fe3-4b1b-9dba-9bae157c48fb
select id, name, credits, created_at, updated_at
from users
where id = $1::text;
`

// QAdjustUserCredits applies a signed delta and returns the new balance. The
// where clause refuses a delta that would push the balance negative, so no
// row means either a missing user or insufficient credits.
const QAdjustUserCredits = `--sql 54f00763-4c7b-4e68-9157-70e20bb6747d
update users
set credits = credits + $2::integer,
    updated_at = now()
where id = $1::text
  and credits + $2::integer >= 0
returning credits;
`

const QSelectUserCredits = `--sql 5d99bcb3-180c-41f6-9b04-923ae0f07f7b
select credits
from users
where id = $1::text;
`
