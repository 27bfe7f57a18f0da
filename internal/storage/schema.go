package storage

import "context"

const (
	TableProfiles = "profiles"
	TableMessages = "messages"
)

// schema is applied by Migrate. Row changes of profiles and messages are published with pg_notify
// on realtime.NotifyChannel(table) as {"type", "table", "new", "old"} objects keyed by column name.
const schema = `
create table if not exists venues (
	id         uuid primary key,
	name       text not null,
	address    text not null default '',
	city       text not null default '',
	qr_payload text not null default '',
	logo_url   text not null default '',
	created_at timestamptz not null default now()
);

create table if not exists menu_items (
	id          bigserial primary key,
	venue_id    uuid not null references venues (id),
	name        text not null,
	category    text not null default '',
	price_cents bigint not null default 0 check (price_cents >= 0),
	created_at  timestamptz not null default now()
);

create table if not exists profiles (
	id            uuid primary key,
	venue_id      uuid not null references venues (id),
	name          text not null,
	phone         text not null default '',
	photo_url     text not null default '',
	interest      text not null default 'all' check (interest in ('all', 'men', 'women')),
	table_label   text not null,
	offline_since timestamptz,
	created_at    timestamptz not null default now()
);

create unique index if not exists profiles_venue_phone_key on profiles (venue_id, phone) where phone <> '';
create index if not exists profiles_offline_since_idx on profiles (offline_since) where offline_since is not null;

create table if not exists messages (
	id          bigserial primary key,
	venue_id    uuid not null references venues (id),
	sender_id   uuid not null,
	receiver_id uuid not null,
	body        text not null,
	client_ref  text not null default '',
	likes       smallint not null default 0 check (likes between 0 and 1),
	created_at  timestamptz not null default now()
);

create index if not exists messages_pair_idx on messages (venue_id, sender_id, receiver_id, created_at);

create or replace function barmatch_notify_row_change() returns trigger as $$
begin
	perform pg_notify('barmatch_' || tg_table_name, json_build_object(
		'type', tg_op,
		'table', tg_table_name,
		'new', case when tg_op <> 'DELETE' then row_to_json(new) end,
		'old', case when tg_op <> 'INSERT' then row_to_json(old) end
	)::text);
	return null;
end;
$$ language plpgsql;

drop trigger if exists profiles_notify on profiles;
create trigger profiles_notify after insert or update or delete on profiles
	for each row execute procedure barmatch_notify_row_change();

drop trigger if exists messages_notify on messages;
create trigger messages_notify after insert or update or delete on messages
	for each row execute procedure barmatch_notify_row_change();
`

// Migrate creates tables, indexes and change-notify triggers if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Debug("Applying schema")
	_, err := s.db.Exec(ctx, schema)
	return err
}
