package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// DefaultItems is the catalog seeded on a fresh database.
func DefaultItems() []model.Item {
	return []model.Item{
		{ID: "gpt-4o", Name: "GPT-4o", Company: "OpenAI", ReleaseYear: 2024, Logo: "/logos/openai.png"},
		{ID: "claude-3-5-sonnet", Name: "Claude 3.5 Sonnet", Company: "Anthropic", ReleaseYear: 2024, Logo: "/logos/anthropic.png"},
		{ID: "gemini-ultra", Name: "Gemini Ultra", Company: "Google", ReleaseYear: 2024, Logo: "/logos/google.png"},
		{ID: "llama-3-70b", Name: "Llama 3 70B", Company: "Meta", ReleaseYear: 2024, Logo: "/logos/meta.png"},
		{ID: "mistral-large", Name: "Mistral Large", Company: "Mistral AI", ReleaseYear: 2024, Logo: "/logos/mistral.png"},
		{ID: "command-r-plus", Name: "Command R+", Company: "Cohere", ReleaseYear: 2024, Logo: "/logos/cohere.png"},
		{ID: "grok", Name: "Grok", Company: "xAI", ReleaseYear: 2023, Logo: "/logos/xai.png"},
		{ID: "perplexity", Name: "Perplexity", Company: "Perplexity AI", ReleaseYear: 2024, Logo: "/logos/perplexity.png"},
		{ID: "qwen-2-5", Name: "Qwen 2.5", Company: "Alibaba", ReleaseYear: 2024, Logo: "/logos/alibaba.png"},
		{ID: "deepseek-coder", Name: "DeepSeek Coder", Company: "DeepSeek", ReleaseYear: 2024, Logo: "/logos/deepseek.png"},
		{ID: "phi-3", Name: "Phi-3", Company: "Microsoft", ReleaseYear: 2024, Logo: "/logos/microsoft.png"},
		{ID: "falcon-180b", Name: "Falcon 180B", Company: "TII UAE", ReleaseYear: 2023, Logo: "/logos/tii.png"},
		{ID: "vicuna-33b", Name: "Vicuna-33B", Company: "LMSYS", ReleaseYear: 2023, Logo: "/logos/lmsys.png"},
		{ID: "solar-10-7b", Name: "SOLAR-10.7B", Company: "Upstage AI", ReleaseYear: 2024, Logo: "/logos/upstage.png"},
		{ID: "yi-34b", Name: "Yi-34B", Company: "01.AI", ReleaseYear: 2024, Logo: "/logos/01ai.png"},
		{ID: "mixtral-8x7b", Name: "Mixtral 8x7B", Company: "Mistral AI", ReleaseYear: 2024, Logo: "/logos/mistral.png"},
		{ID: "bard", Name: "Bard (Gemini Pro)", Company: "Google", ReleaseYear: 2024, Logo: "/logos/google.png"},
		{ID: "ernie-4", Name: "ERNIE 4.0", Company: "Baidu", ReleaseYear: 2024, Logo: "/logos/baidu.png"},
		{ID: "stablelm-2", Name: "StableLM 2", Company: "Stability AI", ReleaseYear: 2024, Logo: "/logos/stability.png"},
		{ID: "inflection-2-5", Name: "Inflection-2.5", Company: "Inflection AI", ReleaseYear: 2024, Logo: "/logos/inflection.png"},
	}
}

// SeedItems inserts items and their zero aggregates. Existing rows are left
// untouched, so it can run on every startup.
func SeedItems(ctx context.Context, pool *pgxpool.Pool, items []model.Item) (int, error) {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO items (id, name, company, release_year, logo)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			it.ID, it.Name, it.Company, it.ReleaseYear, it.Logo)
		batch.Queue(`
			INSERT INTO item_aggregates (item_id) VALUES ($1)
			ON CONFLICT (item_id) DO NOTHING`, it.ID)
	}

	br := pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("seed items: %w", err)
		}
		if i%2 == 0 {
			inserted += int(tag.RowsAffected())
		}
	}
	return inserted, nil
}
