package database

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type PgGoChatRepository struct {
	conn *sql.DB
}

func NewPgGoChatRepository(dsn string) (*PgGoChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgGoChatRepository{conn: db}, nil
}

func (db *PgGoChatRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgGoChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}

	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *PgGoChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, password_hash, created_at) "+
			"VALUES ($1, $2, $3) RETURNING id, username, created_at",
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.CreatedAt,
	)

	return u, mapError(err)
}

func (db *PgGoChatRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, created_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.CreatedAt,
	)

	return user, mapError(err)
}

func (db *PgGoChatRepository) GetAccountByUsername(username string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, password_hash, created_at FROM accounts "+
			"WHERE username = $1 LIMIT 1",
		username,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)

	return user, mapError(err)
}

func (db *PgGoChatRepository) ListRooms() ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT id, external_id, name, topic, seq_id, created_at FROM rooms ORDER BY created_at, id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.Id, &room.ExternalId, &room.Name, &room.Topic, &room.SeqId, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgGoChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, topic, seq_id, created_at FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Topic,
		&room.SeqId,
		&room.CreatedAt,
	)

	return room, mapError(err)
}

func (db *PgGoChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	res := db.conn.QueryRow(
		"INSERT INTO rooms (external_id, name, topic, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, external_id, name, topic, seq_id, created_at",
		params.ExternalId,
		params.Name,
		params.Topic,
		time.Now().UTC(),
	)

	var room Room
	err := res.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Topic,
		&room.SeqId,
		&room.CreatedAt,
	)

	return room, mapError(err)
}

func (db *PgGoChatRepository) CreateMessage(params CreateMessageParams) (msg Message, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// the row lock taken here serializes concurrent writers to the same room
	var seqId int
	err = tx.QueryRow(
		"UPDATE rooms SET seq_id = seq_id + 1 WHERE id = $1 RETURNING seq_id",
		params.RoomId,
	).Scan(&seqId)
	if err != nil {
		return Message{}, mapError(err)
	}

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var id int
	err = tx.QueryRow(
		"INSERT INTO messages (seq_id, room_id, user_id, content, message_type, file_url, mime_type, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id",
		seqId,
		params.RoomId,
		params.UserId,
		params.Content,
		params.MessageType,
		nullString(params.FileURL),
		nullString(params.MimeType),
		createdAt,
	).Scan(&id)
	if err != nil {
		return Message{}, mapError(err)
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return Message{
		Id:          id,
		SeqId:       seqId,
		RoomId:      params.RoomId,
		UserId:      params.UserId,
		Username:    params.Username,
		Content:     params.Content,
		MessageType: params.MessageType,
		FileURL:     params.FileURL,
		MimeType:    params.MimeType,
		CreatedAt:   createdAt,
	}, nil
}

func (db *PgGoChatRepository) GetMessages(q MessageQuery) ([]Message, error) {
	var upper, lower int = 1<<31 - 1, 0
	if q.Before > 0 {
		upper = q.Before
	}

	if q.After > 0 {
		lower = q.After
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	// paging forward from a cursor reads the oldest rows, otherwise the newest
	order := "DESC"
	if q.After > 0 {
		order = "ASC"
	}

	rows, err := db.conn.Query(
		"SELECT m.id, m.seq_id, m.room_id, m.user_id, a.username, m.content, m.message_type, "+
			"m.file_url, m.mime_type, m.created_at FROM messages m "+
			"JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.seq_id > $2 AND m.seq_id < $3 ORDER BY m.seq_id "+order+" LIMIT $4",
		q.RoomId,
		lower,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var (
			msg      Message
			fileURL  sql.NullString
			mimeType sql.NullString
		)
		if err := rows.Scan(
			&msg.Id,
			&msg.SeqId,
			&msg.RoomId,
			&msg.UserId,
			&msg.Username,
			&msg.Content,
			&msg.MessageType,
			&fileURL,
			&mimeType,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		msg.FileURL = fileURL.String
		msg.MimeType = mimeType.String

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if order == "DESC" {
		slices.Reverse(messages)
	}
	return messages, nil
}
