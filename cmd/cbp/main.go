package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/vaibhavbhuva/cbp-ai-service/cmd/cbp/commands"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

// requestFlags は推薦リクエストを組み立てるフラグ
func requestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "role",
			Usage: "役職名",
		},
		&cli.StringFlag{
			Name:  "competency",
			Usage: "コンピテンシーの説明（省略可）",
		},
		&cli.StringFlag{
			Name:  "org",
			Usage: "組織ID",
		},
		&cli.IntFlag{
			Name:  "top-k",
			Usage: "推薦件数（省略時は RECOMMEND_DEFAULT_TOPK）",
		},
		&cli.StringFlag{
			Name:  "provider",
			Usage: "提供元で絞り込み",
		},
		&cli.StringFlag{
			Name:  "language",
			Usage: "言語で絞り込み",
		},
		&cli.BoolFlag{
			Name:  "no-rerank",
			Usage: "生成モデルによる再ランキングを行わない",
		},
		&cli.BoolFlag{
			Name:  "public-courses",
			Usage: "公開学習プラットフォームのコースも併せて表示（PUBLIC_COURSES_ENABLED が必要）",
		},
	}
}

func recordKeyFlags() []cli.Flag {
	return []cli.Flag{
		envFlag(),
		&cli.StringFlag{
			Name:     "role-mapping",
			Usage:    "ロールマッピングID（UUID）",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "user",
			Usage:    "ユーザーID（UUID）",
			Required: true,
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "cbp",
		Usage: "コンピテンシーベース研修計画のためのコース推薦サービス",
		Commands: []*cli.Command{
			{
				Name:  "schema",
				Usage: "データベーススキーマ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "apply",
						Usage:  "テーブルとベクトル索引を作成",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.SchemaApplyAction,
					},
				},
			},
			{
				Name:  "catalog",
				Usage: "コースカタログ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "import",
						Usage: "JSON形式のコース一覧を取り込む",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "file",
								Usage:    "カタログJSONファイルパス",
								Required: true,
							},
						},
						Action: commands.CatalogImportAction,
					},
					{
						Name:  "index",
						Usage: "未索引・更新済みのコースを Embedding 化",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "batch-size",
								Usage: "1回の Embedding API 呼び出しで送るコース数（省略時は上限値）",
							},
						},
						Action: commands.CatalogIndexAction,
					},
				},
			},
			{
				Name:  "recommend",
				Usage: "役職とコンピテンシーからコースを推薦",
				Flags: append([]cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "json",
						Usage: "JSON形式で出力",
					},
				}, requestFlags()...),
				Action: commands.RecommendAction,
			},
			{
				Name:  "record",
				Usage: "ロールマッピングごとの推薦レコード管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "generate",
						Usage:  "推薦レコードを生成（生成済みならそのまま表示）",
						Flags:  append(recordKeyFlags(), requestFlags()...),
						Action: commands.RecordGenerateAction,
					},
					{
						Name:  "show",
						Usage: "推薦レコードを表示",
						Flags: append(recordKeyFlags(), &cli.BoolFlag{
							Name:  "json",
							Usage: "JSON形式で出力",
						}),
						Action: commands.RecordShowAction,
					},
					{
						Name:   "delete",
						Usage:  "推薦レコードを削除",
						Flags:  recordKeyFlags(),
						Action: commands.RecordDeleteAction,
					},
					{
						Name:  "remove-course",
						Usage: "推薦レコードから1コースを除外",
						Flags: append(recordKeyFlags(), &cli.StringFlag{
							Name:     "course",
							Usage:    "除外するコースID",
							Required: true,
						}),
						Action: commands.RecordRemoveCourseAction,
					},
				},
			},
			{
				Name:  "metrics",
				Usage: "メトリクス関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "serve",
						Usage: "Prometheus メトリクスを HTTP で公開",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "addr",
								Usage: "公開アドレス（省略時は METRICS_ADDR）",
							},
						},
						Action: commands.MetricsServeAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
