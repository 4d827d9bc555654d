package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// Conn はクエリ実行とトランザクション開始の双方ができる接続
type Conn interface {
	DBTX
	TxBeginner
}

// RecommendationRepository は recommended_courses テーブルの推薦レコードを扱う
type RecommendationRepository struct {
	conn Conn
}

// NewRecommendationRepository は新しい RecommendationRepository を返す
func NewRecommendationRepository(conn Conn) *RecommendationRepository {
	return &RecommendationRepository{conn: conn}
}

const insertRecordSQL = `
INSERT INTO recommended_courses (id, role_mapping_id, user_id, status, query, courses, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Create は新しいレコードを保存する
func (r *RecommendationRepository) Create(ctx context.Context, rec *recommend.Record) error {
	return insertRecord(ctx, r.conn, rec)
}

func insertRecord(ctx context.Context, db DBTX, rec *recommend.Record) error {
	courses, err := encodeCourses(rec.Courses)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, insertRecordSQL,
		UUIDToPgtype(rec.ID),
		UUIDToPgtype(rec.RoleMappingID),
		UUIDToPgtype(rec.UserID),
		string(rec.Status),
		rec.Query,
		courses,
		rec.ErrorMessage,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: role mapping %s, user %s", recommend.ErrRecordExists, rec.RoleMappingID, rec.UserID)
		}
		return fmt.Errorf("failed to insert recommendation record: %w", err)
	}
	return nil
}

const selectRecordSQL = `
SELECT id, role_mapping_id, user_id, status, query, courses, public_courses, error_message, created_at, updated_at
FROM recommended_courses
WHERE role_mapping_id = $1 AND user_id = $2`

// GetByRoleMapping はロールマッピングとユーザーに対応するレコードを返す
func (r *RecommendationRepository) GetByRoleMapping(ctx context.Context, roleMappingID, userID uuid.UUID) (*recommend.Record, error) {
	row := r.conn.QueryRow(ctx, selectRecordSQL, UUIDToPgtype(roleMappingID), UUIDToPgtype(userID))

	var (
		rec               recommend.Record
		id, mapping, user pgtype.UUID
		status            string
		courses, public    []byte
	)
	err := row.Scan(&id, &mapping, &user, &status, &rec.Query, &courses, &public,
		&rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, recommend.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get recommendation record: %w", err)
	}

	rec.ID = PgtypeToUUID(id)
	rec.RoleMappingID = PgtypeToUUID(mapping)
	rec.UserID = PgtypeToUUID(user)
	rec.Status = recommend.Status(status)
	if rec.Courses, err = decodeCourses(courses); err != nil {
		return nil, err
	}
	if rec.PublicCourses, err = decodePublicCourses(public); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Replace は oldID のレコードを削除し rec を保存する
func (r *RecommendationRepository) Replace(ctx context.Context, oldID uuid.UUID, rec *recommend.Record) error {
	_, err := Transact(ctx, r.conn, func(tx DBTX) (struct{}, error) {
		if err := deleteRecord(ctx, tx, oldID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, insertRecord(ctx, tx, rec)
	})
	return err
}

const completeRecordSQL = `
UPDATE recommended_courses
SET status = $2, query = $3, courses = $4, public_courses = $5, error_message = '', updated_at = now()
WHERE id = $1`

// Complete は生成結果を保存して COMPLETED にする
func (r *RecommendationRepository) Complete(ctx context.Context, id uuid.UUID, query string, courses []recommend.RankedRecommendation, public []recommend.PublicCourse) error {
	data, err := encodeCourses(courses)
	if err != nil {
		return err
	}
	publicData, err := encodePublicCourses(public)
	if err != nil {
		return err
	}
	return r.update(ctx, completeRecordSQL, id, string(recommend.StatusCompleted), query, data, publicData)
}

const failRecordSQL = `
UPDATE recommended_courses
SET status = $2, error_message = $3, updated_at = now()
WHERE id = $1`

// Fail はエラーメッセージを保存して FAILED にする
func (r *RecommendationRepository) Fail(ctx context.Context, id uuid.UUID, message string) error {
	return r.update(ctx, failRecordSQL, id, string(recommend.StatusFailed), message)
}

const updateCoursesSQL = `
UPDATE recommended_courses
SET courses = $2, updated_at = now()
WHERE id = $1`

// UpdateCourses はコース一覧のみを置き換える
func (r *RecommendationRepository) UpdateCourses(ctx context.Context, id uuid.UUID, courses []recommend.RankedRecommendation) error {
	data, err := encodeCourses(courses)
	if err != nil {
		return err
	}
	return r.update(ctx, updateCoursesSQL, id, data)
}

// Delete はレコードを削除する
func (r *RecommendationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return deleteRecord(ctx, r.conn, id)
}

func deleteRecord(ctx context.Context, db DBTX, id uuid.UUID) error {
	tag, err := db.Exec(ctx, `DELETE FROM recommended_courses WHERE id = $1`, UUIDToPgtype(id))
	if err != nil {
		return fmt.Errorf("failed to delete recommendation record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recommend.ErrRecordNotFound
	}
	return nil
}

func (r *RecommendationRepository) update(ctx context.Context, sql string, id uuid.UUID, args ...any) error {
	tag, err := r.conn.Exec(ctx, sql, append([]any{UUIDToPgtype(id)}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update recommendation record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recommend.ErrRecordNotFound
	}
	return nil
}

func encodeCourses(courses []recommend.RankedRecommendation) ([]byte, error) {
	if courses == nil {
		courses = []recommend.RankedRecommendation{}
	}
	data, err := json.Marshal(courses)
	if err != nil {
		return nil, fmt.Errorf("failed to encode courses: %w", err)
	}
	return data, nil
}

func decodeCourses(data []byte) ([]recommend.RankedRecommendation, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var courses []recommend.RankedRecommendation
	if err := json.Unmarshal(data, &courses); err != nil {
		return nil, fmt.Errorf("failed to decode courses: %w", err)
	}
	if len(courses) == 0 {
		return nil, nil
	}
	return courses, nil
}

func encodePublicCourses(courses []recommend.PublicCourse) ([]byte, error) {
	if courses == nil {
		courses = []recommend.PublicCourse{}
	}
	data, err := json.Marshal(courses)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public courses: %w", err)
	}
	return data, nil
}

func decodePublicCourses(data []byte) ([]recommend.PublicCourse, error) {
	var courses []recommend.PublicCourse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &courses); err != nil {
			return nil, fmt.Errorf("failed to decode public courses: %w", err)
		}
	}
	if len(courses) == 0 {
		return nil, nil
	}
	return courses, nil
}

// インターフェース実装の確認
var _ recommend.RecordRepository = (*RecommendationRepository)(nil)
