package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// recordKey はフラグからロールマッピングIDとユーザーIDを読み取る
func recordKey(cmd *cli.Command) (uuid.UUID, uuid.UUID, error) {
	roleMappingID, err := uuid.Parse(cmd.String("role-mapping"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("ロールマッピングIDが不正です: %w", err)
	}
	userID, err := uuid.Parse(cmd.String("user"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("ユーザーIDが不正です: %w", err)
	}
	return roleMappingID, userID, nil
}

// RecordGenerateAction はロールマッピングの推薦レコード生成を開始するコマンドのアクション
func RecordGenerateAction(ctx context.Context, cmd *cli.Command) error {
	roleMappingID, userID, err := recordKey(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	topK := resolveTopK(cmd, appCtx.Config.Recommend.DefaultTopK)

	jobs := appCtx.Container.Jobs
	rec, err := jobs.Generate(ctx, recommend.GenerateParams{
		RoleMappingID: roleMappingID,
		UserID:        userID,
		Request:       buildRequest(cmd, topK),
	})
	if err != nil {
		return fmt.Errorf("推薦レコードの生成開始に失敗: %w", err)
	}

	if rec.Status == recommend.StatusInProgress {
		fmt.Println("推薦を生成しています...")
		jobs.Wait()
		if rec, err = jobs.Get(ctx, roleMappingID, userID); err != nil {
			return fmt.Errorf("推薦レコードの取得に失敗: %w", err)
		}
	}

	renderRecord(os.Stdout, rec)
	return nil
}

// RecordShowAction は推薦レコードを表示するコマンドのアクション
func RecordShowAction(ctx context.Context, cmd *cli.Command) error {
	roleMappingID, userID, err := recordKey(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	rec, err := appCtx.Container.Jobs.Get(ctx, roleMappingID, userID)
	if err != nil {
		return fmt.Errorf("推薦レコードの取得に失敗: %w", err)
	}

	if cmd.Bool("json") {
		return writeJSON(os.Stdout, rec)
	}
	renderRecord(os.Stdout, rec)
	return nil
}

// RecordDeleteAction は推薦レコードを削除するコマンドのアクション
func RecordDeleteAction(ctx context.Context, cmd *cli.Command) error {
	roleMappingID, userID, err := recordKey(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Jobs.Delete(ctx, roleMappingID, userID); err != nil {
		return fmt.Errorf("推薦レコードの削除に失敗: %w", err)
	}

	fmt.Println("✓ 推薦レコードを削除しました")
	return nil
}

// RecordRemoveCourseAction は推薦レコードから1コースを除外するコマンドのアクション
func RecordRemoveCourseAction(ctx context.Context, cmd *cli.Command) error {
	roleMappingID, userID, err := recordKey(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	rec, err := appCtx.Container.Jobs.RemoveCourse(ctx, roleMappingID, userID, cmd.String("course"))
	if err != nil {
		return fmt.Errorf("コースの除外に失敗: %w", err)
	}

	renderRecord(os.Stdout, rec)
	return nil
}

func renderRecord(w io.Writer, rec *recommend.Record) {
	fmt.Fprintf(w, "レコードID: %s\n", rec.ID)
	fmt.Fprintf(w, "状態: %s\n", rec.Status)
	fmt.Fprintf(w, "更新日時: %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	if rec.Query != "" {
		fmt.Fprintf(w, "クエリ: %s\n", rec.Query)
	}
	if rec.Status == recommend.StatusFailed {
		fmt.Fprintf(w, "エラー: %s\n", rec.ErrorMessage)
		return
	}
	if len(rec.Courses) > 0 {
		table := tablewriter.NewWriter(w)
		table.Header("順位", "コースID", "タイトル", "関連度", "理由")
		for _, c := range rec.Courses {
			table.Append(
				fmt.Sprintf("%d", c.Rank),
				c.CourseID,
				c.Metadata.Title,
				fmt.Sprintf("%d", c.Relevancy),
				truncate(c.Explanation, 80),
			)
		}
		table.Render()
	}
	renderPublicCourses(w, rec.PublicCourses)
}
