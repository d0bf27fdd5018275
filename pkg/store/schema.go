package store

// schema is applied idempotently on every Open, matching the teacher's
// pkg/db schema.go pattern of one CREATE TABLE IF NOT EXISTS block per
// record kind. calculation_rules is append-only: a superseding version is
// inserted rather than updating the row in place, per §6's "append-only
// calculation_rules table".
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS positions (
    book_id       TEXT NOT NULL,
    security_id   TEXT NOT NULL,
    business_date TEXT NOT NULL,
    contractual_qty TEXT NOT NULL,
    settled_qty     TEXT NOT NULL,
    ladder_json     TEXT NOT NULL,
    current_net     TEXT NOT NULL,
    projected_net   TEXT NOT NULL,
    calc_status     TEXT NOT NULL,
    version         INTEGER NOT NULL,
    updated_at      DATETIME NOT NULL,
    PRIMARY KEY (book_id, security_id, business_date)
);

CREATE TABLE IF NOT EXISTS inventory (
    security_id      TEXT NOT NULL,
    counterparty_id  TEXT NOT NULL DEFAULT '',
    au_id            TEXT NOT NULL DEFAULT '',
    business_date    TEXT NOT NULL,
    calc_type        TEXT NOT NULL,
    gross            TEXT NOT NULL,
    net              TEXT NOT NULL,
    available        TEXT NOT NULL,
    reserved         TEXT NOT NULL,
    decrement        TEXT NOT NULL,
    temperature      TEXT NOT NULL,
    borrow_rate      TEXT NOT NULL,
    calc_status      TEXT NOT NULL,
    version          INTEGER NOT NULL,
    updated_at       DATETIME NOT NULL,
    PRIMARY KEY (security_id, counterparty_id, au_id, business_date, calc_type)
);

CREATE TABLE IF NOT EXISTS limits (
    owner_kind      TEXT NOT NULL,
    owner_id        TEXT NOT NULL,
    security_id     TEXT NOT NULL,
    business_date   TEXT NOT NULL,
    long_sell_limit TEXT NOT NULL,
    short_sell_limit TEXT NOT NULL,
    long_sell_used  TEXT NOT NULL,
    short_sell_used TEXT NOT NULL,
    status          TEXT NOT NULL,
    version         INTEGER NOT NULL,
    updated_at      DATETIME NOT NULL,
    PRIMARY KEY (owner_kind, owner_id, security_id, business_date)
);

CREATE TABLE IF NOT EXISTS calculation_rules (
    rule_id        TEXT NOT NULL,
    version        INTEGER NOT NULL,
    rule_type      TEXT NOT NULL,
    market         TEXT NOT NULL,
    priority       INTEGER NOT NULL,
    effective_from DATETIME NOT NULL,
    effective_to   DATETIME,
    status         TEXT NOT NULL,
    recorded_at    DATETIME NOT NULL,
    PRIMARY KEY (rule_id, version)
);
`
