package storage

import (
	"barmatch/internal/storage/zapadapter"
	"context"
	"errors"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
	"time"
)

// Store defines fields used in db interaction processes
type Store struct {
	logger     *zap.SugaredLogger
	db         *pgxpool.Pool
	connConfig *pgx.ConnConfig
}

var _ Repository = (*Store)(nil)

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger:     logger,
		db:         pool,
		connConfig: config.ConnConfig.Copy(),
	}, nil
}

// ConnConfig returns a copy of the connection config, used for connections living outside the pool
func (s *Store) ConnConfig() *pgx.ConnConfig {
	return s.connConfig.Copy()
}

// Close closes all pool connections
func (s *Store) Close() {
	s.db.Close()
}

// CreateVenue inserts venue with a freshly generated id and returns it with server-side fields filled
func (s *Store) CreateVenue(ctx context.Context, v Venue) (Venue, error) {
	v.ID = uuid.NewString()
	if v.QRPayload == "" {
		v.QRPayload = v.ID
	}
	s.logger.Debugf("Creating venue (%s) with id %s", v.Name, v.ID)

	sql := `insert into venues (id, name, address, city, qr_payload, logo_url)
			values ($1, $2, $3, $4, $5, $6)
			returning created_at`
	err := s.db.QueryRow(ctx, sql, v.ID, v.Name, v.Address, v.City, v.QRPayload, v.LogoURL).Scan(&v.CreatedAt)
	if err != nil {
		return Venue{}, err
	}

	return v, nil
}

// VenueByID returns ErrVenueNotExist for unknown or malformed ids
func (s *Store) VenueByID(ctx context.Context, id string) (Venue, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Venue{}, ErrVenueNotExist
	}

	var v Venue
	sql := `select id, name, address, city, qr_payload, logo_url, created_at
			  from venues
			 where id = $1`
	err := s.db.QueryRow(ctx, sql, id).Scan(&v.ID, &v.Name, &v.Address, &v.City, &v.QRPayload, &v.LogoURL, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Venue{}, ErrVenueNotExist
		}
		return Venue{}, err
	}

	return v, nil
}

// Venues returns all venues ordered by creation time
func (s *Store) Venues(ctx context.Context) ([]Venue, error) {
	sql := `select id, name, address, city, qr_payload, logo_url, created_at
			  from venues
			 order by created_at asc`
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var venues []Venue
	for rows.Next() {
		var v Venue
		if err := rows.Scan(&v.ID, &v.Name, &v.Address, &v.City, &v.QRPayload, &v.LogoURL, &v.CreatedAt); err != nil {
			return nil, err
		}
		venues = append(venues, v)
	}

	return venues, rows.Err()
}

// AddMenuItems bulk inserts menu items via COPY and returns number of copied rows
func (s *Store) AddMenuItems(ctx context.Context, venueID string, items []MenuItem) (int64, error) {
	s.logger.Debugf("Adding %d menu items to venue (id: %s)", len(items), venueID)

	if _, err := s.VenueByID(ctx, venueID); err != nil {
		return 0, err
	}

	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"menu_items"}, menuColumns, copyFromMenu(venueID, items))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return 0, ErrVenueNotExist
		}
		return 0, err
	}

	return n, nil
}

// MenuByVenue returns menu items grouped by category, then by name
func (s *Store) MenuByVenue(ctx context.Context, venueID string) ([]MenuItem, error) {
	if _, err := s.VenueByID(ctx, venueID); err != nil {
		return nil, err
	}

	sql := `select id, venue_id, name, category, price_cents, created_at
			  from menu_items
			 where venue_id = $1
			 order by category, name`
	rows, err := s.db.Query(ctx, sql, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []MenuItem
	for rows.Next() {
		var m MenuItem
		if err := rows.Scan(&m.ID, &m.VenueID, &m.Name, &m.Category, &m.PriceCents, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, m)
	}

	return items, rows.Err()
}

const profileColumns = "id, venue_id, name, phone, photo_url, interest, table_label, offline_since, created_at"

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p            Profile
		interest     string
		offlineSince pgtype.Timestamptz
	)
	err := row.Scan(&p.ID, &p.VenueID, &p.Name, &p.Phone, &p.PhotoURL, &interest, &p.TableLabel, &offlineSince, &p.CreatedAt)
	if err != nil {
		return Profile{}, err
	}
	p.Interest = Interest(interest)
	if offlineSince.Status == pgtype.Present {
		t := offlineSince.Time
		p.OfflineSince = &t
	}
	return p, nil
}

// UpsertProfile inserts p or, when another profile of the venue owns the same non-empty phone,
// merges p into that profile and returns it with its original id. A repeated id updates the row.
// Any upsert clears offline_since.
func (s *Store) UpsertProfile(ctx context.Context, p Profile) (Profile, error) {
	s.logger.Debugf("Upserting profile (id: %s) at venue (id: %s)", p.ID, p.VenueID)

	sql := `insert into profiles (id, venue_id, name, phone, photo_url, interest, table_label)
			values ($1, $2, $3, $4, $5, $6, $7)
			on conflict (venue_id, phone) where phone <> '' do update
			   set name = excluded.name,
				   photo_url = excluded.photo_url,
				   interest = excluded.interest,
				   table_label = excluded.table_label,
				   offline_since = null
			returning ` + profileColumns
	stored, err := scanProfile(s.db.QueryRow(ctx, sql, p.ID, p.VenueID, p.Name, p.Phone, p.PhotoURL, string(p.Interest), p.TableLabel))
	if err == nil {
		s.logger.Debugf("Upserted profile (id: %s)", stored.ID)
		return stored, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return Profile{}, err
	}

	switch pgErr.Code {
	case pgerrcode.ForeignKeyViolation:
		return Profile{}, ErrVenueNotExist
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName != "profiles_pkey" {
			return Profile{}, ErrProfileExists
		}
	default:
		return Profile{}, err
	}

	// same generated id joining again
	sql = `update profiles
			  set name = $3, phone = $4, photo_url = $5, interest = $6, table_label = $7, offline_since = null
			where id = $1 and venue_id = $2
		returning ` + profileColumns
	stored, err = scanProfile(s.db.QueryRow(ctx, sql, p.ID, p.VenueID, p.Name, p.Phone, p.PhotoURL, string(p.Interest), p.TableLabel))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileExists
		}
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return Profile{}, ErrProfileExists
		}
		return Profile{}, err
	}

	return stored, nil
}

// ProfileByID returns ErrProfileNotExist for unknown or malformed ids
func (s *Store) ProfileByID(ctx context.Context, id string) (Profile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Profile{}, ErrProfileNotExist
	}

	p, err := scanProfile(s.db.QueryRow(ctx, "select "+profileColumns+" from profiles where id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileNotExist
		}
		return Profile{}, err
	}

	return p, nil
}

// ProfileByPhone looks up the profile owning phone at venue
func (s *Store) ProfileByPhone(ctx context.Context, venueID, phone string) (Profile, error) {
	if phone == "" {
		return Profile{}, ErrProfileNotExist
	}
	if _, err := uuid.Parse(venueID); err != nil {
		return Profile{}, ErrProfileNotExist
	}

	sql := "select " + profileColumns + " from profiles where venue_id = $1 and phone = $2"
	p, err := scanProfile(s.db.QueryRow(ctx, sql, venueID, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileNotExist
		}
		return Profile{}, err
	}

	return p, nil
}

// ProfilesByVenue returns all profiles of venue, including the ones inside the offline grace period
func (s *Store) ProfilesByVenue(ctx context.Context, venueID string) ([]Profile, error) {
	s.logger.Debugf("Retrieving profiles for venue (id: %s)", venueID)

	if _, err := s.VenueByID(ctx, venueID); err != nil {
		return nil, err
	}

	sql := "select " + profileColumns + " from profiles where venue_id = $1 order by created_at asc, id asc"
	rows, err := s.db.Query(ctx, sql, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d profiles", len(profiles))

	return profiles, nil
}

// SetProfileOffline sets offline_since to since, nil marks the profile online again
func (s *Store) SetProfileOffline(ctx context.Context, id string, since *time.Time) error {
	var ts pgtype.Timestamptz
	if since != nil {
		ts = pgtype.Timestamptz{Time: *since, Status: pgtype.Present}
	} else {
		ts = pgtype.Timestamptz{Status: pgtype.Null}
	}

	ct, err := s.db.Exec(ctx, "update profiles set offline_since = $2 where id = $1", id, ts)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrProfileNotExist
	}
	return nil
}

// DeleteProfile removes profile. Deleting a missing profile is not an error.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	s.logger.Debugf("Deleting profile (id: %s)", id)

	_, err := s.db.Exec(ctx, "delete from profiles where id = $1", id)
	return err
}

// DeleteProfilesOfflineBefore removes profiles offline since before the provided time
func (s *Store) DeleteProfilesOfflineBefore(ctx context.Context, before time.Time) (int64, error) {
	ct, err := s.db.Exec(ctx, "delete from profiles where offline_since < $1", before)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// CreateMessage inserts message and returns it with id and created_at assigned
func (s *Store) CreateMessage(ctx context.Context, m Message) (Message, error) {
	s.logger.Debugf("Creating message from profile (id: %s) to profile (id: %s)", m.SenderID, m.ReceiverID)

	sql := `insert into messages (venue_id, sender_id, receiver_id, body, client_ref)
			values ($1, $2, $3, $4, $5)
			returning id, likes, created_at`
	err := s.db.QueryRow(ctx, sql, m.VenueID, m.SenderID, m.ReceiverID, m.Body, m.ClientRef).Scan(&m.ID, &m.Likes, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return Message{}, ErrVenueNotExist
		}
		return Message{}, err
	}

	return m, nil
}

// MessageByID returns the message with id or ErrMessageNotExist
func (s *Store) MessageByID(ctx context.Context, id int64) (Message, error) {
	s.logger.Debugf("Retrieving message (id: %d)", id)

	sql := `select id, venue_id, sender_id, receiver_id, body, client_ref, likes, created_at
			  from messages
			 where id = $1`
	var m Message
	err := s.db.QueryRow(ctx, sql, id).Scan(&m.ID, &m.VenueID, &m.SenderID, &m.ReceiverID, &m.Body, &m.ClientRef, &m.Likes, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}

	return m, nil
}

// LikeMessage flips likes from 0 to 1. ErrAlreadyLiked is returned when it is 1 already.
func (s *Store) LikeMessage(ctx context.Context, id int64) error {
	s.logger.Debugf("Liking message (id: %d)", id)

	ct, err := s.db.Exec(ctx, "update messages set likes = 1 where id = $1 and likes = 0", id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var i int8
	err = s.db.QueryRow(ctx, "select 1 from messages where id = $1", id).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotExist
		}
		return err
	}

	return ErrAlreadyLiked
}

// MessagesBetween returns messages exchanged by a and b in both directions, sorted by creation time
// (from earliest to latest)
func (s *Store) MessagesBetween(ctx context.Context, venueID, a, b string) ([]Message, error) {
	s.logger.Debugf("Retrieving messages between (%s) and (%s)", a, b)

	sql := `select id, venue_id, sender_id, receiver_id, body, client_ref, likes, created_at
			  from messages
			 where venue_id = $1
			   and ((sender_id = $2 and receiver_id = $3) or (sender_id = $3 and receiver_id = $2))
			 order by created_at asc, id asc`
	rows, err := s.db.Query(ctx, sql, venueID, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		err = rows.Scan(&m.ID, &m.VenueID, &m.SenderID, &m.ReceiverID, &m.Body, &m.ClientRef, &m.Likes, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}
