package sqlinline

// QSchema bootstraps the tables the service needs. Statements are idempotent
// so cmd/api can run them on every start.
const QSchema = `--sql bcc595f7-a168-4db0-8cdb-17802d3b707d
create table if not exists users (
    id          text primary key,
    name        text not null default '',
    credits     integer not null default 0 check (credits >= 0),
    created_at  timestamptz not null default now(),
    updated_at  timestamptz not null default now()
);

create table if not exists tasks (
    id            text primary key,
    user_id       text not null references users (id),
    status        text not null,
    credits_spent integer not null default 0,
    billing_error text not null default '',
    doc           jsonb not null default '{}'::jsonb,
    created_at    timestamptz not null default now(),
    updated_at    timestamptz not null default now()
);

create index if not exists tasks_user_status_idx on tasks (user_id, status);

create table if not exists billing_events (
    task_id    text not null references tasks (id),
    kind       text not null,
    key        text not null,
    amount     integer not null,
    reason     text not null default '',
    created_at timestamptz not null default now(),
    unique (task_id, key)
);

create table if not exists credit_transactions (
    id         text primary key,
    user_id    text not null references users (id),
    task_id    text not null default '',
    amount     integer not null,
    balance    integer not null,
    reason     text not null default '',
    created_at timestamptz not null default now()
);

create index if not exists credit_transactions_user_idx on credit_transactions (user_id, created_at desc);

create table if not exists integration_tokens (
    id         text primary key,
    provider   text not null unique,
    token      text not null,
    properties jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`
