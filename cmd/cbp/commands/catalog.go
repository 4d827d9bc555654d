package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/catalog"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/infra/postgres"
)

// SchemaApplyAction はテーブルとベクトル索引を作成するコマンドのアクション
func SchemaApplyAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	dimension := appCtx.Config.OpenAI.EmbeddingDimension
	if err := postgres.EnsureSchema(ctx, appCtx.Container.Database().Pool, dimension); err != nil {
		return fmt.Errorf("スキーマ作成に失敗: %w", err)
	}

	fmt.Printf("✓ スキーマを適用しました（Embedding次元: %d）\n", dimension)
	return nil
}

// CatalogImportAction はナレッジベースから書き出したコース一覧を取り込むコマンドのアクション
func CatalogImportAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("file")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("カタログファイルを開けません: %w", err)
	}
	defer f.Close()

	entries, err := catalog.ReadEntries(f)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Catalog.UpsertCourses(ctx, entries); err != nil {
		return fmt.Errorf("カタログの保存に失敗: %w", err)
	}

	fmt.Printf("✓ %d 件のコースを取り込みました\n", len(entries))
	return nil
}

// CatalogIndexAction は未索引のコースを Embedding 化するコマンドのアクション
func CatalogIndexAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.Indexer.IndexPending(ctx, cmd.Int("batch-size"))
	if err != nil {
		return fmt.Errorf("カタログの索引に失敗: %w", err)
	}

	fmt.Println(formatIndexResult(result))
	return nil
}

func formatIndexResult(r catalog.IndexResult) string {
	return fmt.Sprintf("✓ 索引完了: 走査 %d 件 / 索引 %d 件 / スキップ %d 件", r.Scanned, r.Indexed, r.Skipped)
}
