package msgstore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"IMCore/protocol"
	errs "IMCore/tools/errs"
)

// MongoConfig MongoDB 连接配置
type MongoConfig struct {
	Uri         string
	Address     []string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize int
	MaxRetry    int
}

func (c *MongoConfig) clientOptions() (*options.ClientOptions, error) {
	var opts *options.ClientOptions
	switch {
	case c.Uri != "":
		// 优先使用完整 URI（可含 ?authSource=admin 等参数）
		opts = options.Client().ApplyURI(c.Uri)
	case len(c.Address) > 0:
		opts = options.Client().SetHosts(c.Address)
	default:
		return nil, errs.New("mongo uri or address is required")
	}
	if c.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(uint64(c.MaxPoolSize))
	}
	if c.Username != "" {
		auth := c.AuthSource
		if auth == "" {
			auth = "admin"
		}
		opts.SetAuth(options.Credential{
			Username:   c.Username,
			Password:   c.Password,
			AuthSource: auth,
		})
	}
	return opts, nil
}

const (
	collMessages      = "messages"
	collConversations = "conversations"
	collUnread        = "unread"
)

// MongoStore 默认持久层实现
type MongoStore struct {
	cli *mongo.Client
	db  *mongo.Database
}

func NewMongoStore(ctx context.Context, cfg *MongoConfig) (*MongoStore, error) {
	opts, err := cfg.clientOptions()
	if err != nil {
		return nil, err
	}
	retry := cfg.MaxRetry
	if retry <= 0 {
		retry = 3
	}
	var cli *mongo.Client
	for i := 0; i < retry; i++ {
		cli, err = mongo.Connect(ctx, opts)
		if err == nil {
			err = cli.Ping(ctx, nil)
		}
		if err == nil {
			break
		}
		time.Sleep(time.Second / 2)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "connect mongo", "uri", cfg.Uri)
	}

	s := &MongoStore{cli: cli, db: cli.Database(cfg.Database)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "server_msg_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "conv_id", Value: 1}, {Key: "seq", Value: 1}}},
	})
	if err != nil {
		return errs.WrapMsg(err, "ensure message indexes")
	}
	_, err = s.db.Collection(collConversations).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conv_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errs.WrapMsg(err, "ensure conversation index")
	}
	_, err = s.db.Collection(collUnread).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "conv_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errs.WrapMsg(err, "ensure unread index")
	}
	return nil
}

func (s *MongoStore) UpsertMessages(ctx context.Context, msgs []*protocol.Message) (int, int, error) {
	if len(msgs) == 0 {
		return 0, 0, nil
	}
	models := make([]mongo.WriteModel, 0, len(msgs))
	for _, m := range msgs {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"server_msg_id": m.ServerMsgID}).
			SetUpdate(bson.M{"$setOnInsert": m}).
			SetUpsert(true))
	}
	res, err := s.db.Collection(collMessages).BulkWrite(ctx, models,
		options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, 0, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	inserted := int(res.UpsertedCount)
	return inserted, len(msgs) - inserted, nil
}

func (s *MongoStore) ApplyOperation(ctx context.Context, op *protocol.Operation) error {
	coll := s.db.Collection(collMessages)
	filter := bson.M{"server_msg_id": op.ServerMsgID}
	var update bson.M

	switch op.Kind {
	case protocol.OpEdit:
		// LWW：只接受更高版本
		filter["edit_version"] = bson.M{"$lt": op.EditVersion}
		update = bson.M{"$set": bson.M{
			"content":      op.Content,
			"edit_version": op.EditVersion,
			"state":        protocol.StateEdited,
		}}
	case protocol.OpReactionAdd:
		update = bson.M{"$set": bson.M{
			"extra.reaction:" + string(op.Content) + ":" + op.ActorID: "1",
		}}
	case protocol.OpReactionDel:
		update = bson.M{"$unset": bson.M{
			"extra.reaction:" + string(op.Content) + ":" + op.ActorID: "",
		}}
	default:
		to, ok := op.Kind.TargetState()
		if !ok {
			return errs.ErrMessageFormat.WithDetail("unknown op kind " + string(op.Kind))
		}
		set := bson.M{"state": to}
		if op.Kind == protocol.OpRecall || op.Kind == protocol.OpDeleteHard {
			set["content"] = nil
		}
		// 终态不回退
		filter["state"] = bson.M{"$nin": bson.A{protocol.StateRecalled, protocol.StateDeletedHard}}
		update = bson.M{"$set": set}
	}

	res, err := s.db.Collection(collMessages).UpdateOne(ctx, filter, update)
	if err != nil {
		return errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	if res.MatchedCount == 0 {
		// 目标不在或条件不满足；区分“未落库”需要二次查询
		n, cerr := coll.CountDocuments(ctx, bson.M{"server_msg_id": op.ServerMsgID})
		if cerr == nil && n == 0 {
			return errs.ErrStorageUnavailable.WithDetail("target not persisted yet: " + op.ServerMsgID)
		}
	}
	return nil
}

func (s *MongoStore) GetByServerID(ctx context.Context, id string) (*protocol.Message, bool, error) {
	var m protocol.Message
	err := s.db.Collection(collMessages).FindOne(ctx, bson.M{"server_msg_id": id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return &m, true, nil
}

func (s *MongoStore) ListByConv(ctx context.Context, convID string, fromSeq int64, limit int) ([]*protocol.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(collMessages).Find(ctx,
		bson.M{"conv_id": convID, "seq": bson.M{"$gte": fromSeq}}, opts)
	if err != nil {
		return nil, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*protocol.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return out, nil
}

func (s *MongoStore) MaxSeq(ctx context.Context, convID string) (int64, error) {
	var m protocol.Message
	err := s.db.Collection(collMessages).FindOne(ctx, bson.M{"conv_id": convID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return m.Seq, nil
}

func (s *MongoStore) BumpConversation(ctx context.Context, p ConvPointer) error {
	_, err := s.db.Collection(collConversations).UpdateOne(ctx,
		bson.M{"conv_id": p.ConvID, "seq": bson.M{"$lt": p.Seq}},
		bson.M{"$set": p},
		options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return nil
}

func (s *MongoStore) Conversation(ctx context.Context, convID string) (*ConvPointer, bool, error) {
	var p ConvPointer
	err := s.db.Collection(collConversations).FindOne(ctx, bson.M{"conv_id": convID}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return &p, true, nil
}

func (s *MongoStore) IncrUnread(ctx context.Context, userID, convID string, delta int64) error {
	_, err := s.db.Collection(collUnread).UpdateOne(ctx,
		bson.M{"user_id": userID, "conv_id": convID},
		bson.M{"$inc": bson.M{"count": delta}},
		options.Update().SetUpsert(true))
	if err != nil {
		return errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return nil
}

func (s *MongoStore) Unread(ctx context.Context, userID, convID string) (int64, error) {
	var doc struct {
		Count int64 `bson:"count"`
	}
	err := s.db.Collection(collUnread).FindOne(ctx,
		bson.M{"user_id": userID, "conv_id": convID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return doc.Count, nil
}

func (s *MongoStore) ResetUnread(ctx context.Context, userID, convID string) error {
	_, err := s.db.Collection(collUnread).UpdateOne(ctx,
		bson.M{"user_id": userID, "conv_id": convID},
		bson.M{"$set": bson.M{"count": 0}},
		options.Update().SetUpsert(true))
	if err != nil {
		return errs.ErrStorageUnavailable.WithDetail(err.Error())
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.cli.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
