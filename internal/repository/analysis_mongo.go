package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"chess_lore/internal/domain/analysis"
	errs "chess_lore/internal/errors"
)

const analysesCollection = "analyses"

type moveDocument struct {
	Ply                   int `bson:"ply"`
	analysis.MoveAnalysis `bson:",inline"`
}

// analysisDocument is the stored form of a GameAnalysisResult. Moves are a
// list ordered by ply instead of a map with integer keys.
type analysisDocument struct {
	GameHash  string                    `bson:"game_hash"`
	Positions []analysis.PositionRecord `bson:"positions"`
	Moves     []moveDocument            `bson:"moves"`
	KeyPlies  []int                     `bson:"key_plies"`
	UpdatedAt time.Time                 `bson:"updated_at"`
}

func toDocument(r *analysis.GameAnalysisResult, now time.Time) analysisDocument {
	doc := analysisDocument{
		GameHash:  r.GameHash,
		Positions: r.Positions,
		Moves:     make([]moveDocument, 0, len(r.Evaluations)),
		KeyPlies:  r.KeyPlies,
		UpdatedAt: now,
	}
	for ply, ma := range r.Evaluations {
		doc.Moves = append(doc.Moves, moveDocument{Ply: ply, MoveAnalysis: ma})
	}
	sort.Slice(doc.Moves, func(i, j int) bool { return doc.Moves[i].Ply < doc.Moves[j].Ply })
	return doc
}

func (d analysisDocument) result() *analysis.GameAnalysisResult {
	r := &analysis.GameAnalysisResult{
		GameHash:    d.GameHash,
		Positions:   d.Positions,
		Evaluations: make(map[int]analysis.MoveAnalysis, len(d.Moves)),
		KeyPlies:    d.KeyPlies,
	}
	for _, m := range d.Moves {
		r.Evaluations[m.Ply] = m.MoveAnalysis
	}
	if r.KeyPlies == nil {
		r.KeyPlies = []int{}
	}
	return r
}

// AnalysisArchive stores every finished analysis in MongoDB, one document
// per game hash.
type AnalysisArchive struct {
	mongo *mongo.Database
	log   *zap.SugaredLogger
}

func NewAnalysisArchive(db *mongo.Database, log *zap.SugaredLogger) *AnalysisArchive {
	return &AnalysisArchive{
		mongo: db,
		log:   log,
	}
}

func (a *AnalysisArchive) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.mongo.Collection(analysesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "game_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create game_hash index: %w", err)
	}
	return nil
}

func (a *AnalysisArchive) Save(ctx context.Context, result *analysis.GameAnalysisResult) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	collection := a.mongo.Collection(analysesCollection)

	filter := bson.M{"game_hash": result.GameHash}
	update := bson.M{"$set": toDocument(result, time.Now().UTC())}

	_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		a.log.Errorf("failed to archive analysis %s: %v", result.GameHash, err)
		return err
	}

	a.log.Infof("analysis archived: %s", result.GameHash)
	return nil
}

func (a *AnalysisArchive) FindByHash(ctx context.Context, hash string) (*analysis.GameAnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	collection := a.mongo.Collection(analysesCollection)

	var doc analysisDocument
	err := collection.FindOne(ctx, bson.M{"game_hash": hash}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrAnalysisNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find analysis %s: %w", hash, err)
	}
	return doc.result(), nil
}
