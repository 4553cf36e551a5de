package lease

import (
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// Table schema
	TicketNameKey    = "ticketName"
	TicketOwnerKey   = "ticketOwner"
	TicketExpiresKey = "ticketExpires"
	TicketBallotKey  = "ticketBallot"

	// AWS exception
	alreadyExist      = "ResourceInUseException"
	conditionalFailed = "ConditionalCheckFailedException"

	// Max number of retries
	maxCreateRetries = 3
	maxNotifyRetries = 2
	maxGetRetries    = 3
)

// Clientface is a thin methods set of DynamoDB.
type Clientface interface {
	GetItem(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	UpdateItem(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	CreateTable(*dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error)
}

// Backofface is the interface that holds the backoff strategy
type Backofface interface {
	Reset()
	Attempt() float64
	Duration() time.Duration
}

// StoreConfig configures a DynamoStore.
type StoreConfig struct {
	// Client is a Clientface implemetation.
	Client Clientface

	// Logger is the logger used. defaults to logrus.New().
	Logger Logger

	// Backoff determines the backoff strategy for http failures.
	// Defaults to lease.Backoff with min value of time.Second and jitter
	// set to true.
	Backoff Backofface

	// The Amazon DynamoDB table name used for tracking committed tickets.
	TicketTable string

	// The table will be provisioned with this read capacity. Defaults to 10.
	TableReadCap int

	// The table will be provisioned with this write capacity. Defaults to 10.
	TableWriteCap int
}

// defaults for store configuration.
func (c *StoreConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	c.Logger = c.Logger.WithField("package", "lease")

	if c.Client == nil {
		c.Client = dynamodb.New(session.New(aws.NewConfig()))
	}
	if c.Backoff == nil {
		c.Backoff = &Backoff{
			b: &backoff.Backoff{
				Min:    time.Second,
				Jitter: true,
			}}
	}
	if c.TicketTable == "" {
		return errors.New("lease: TicketTable is a required field")
	}
	if c.TableReadCap == 0 {
		c.TableReadCap = 10
	}
	if c.TableWriteCap == 0 {
		c.TableWriteCap = 10
	}
	return nil
}

// DynamoStore persists committed ticket results in DynamoDB. Notifications
// may arrive re-ordered across sites, so every write is conditional on
// carrying the highest ballot seen so far.
type DynamoStore struct {
	*StoreConfig
}

// NewDynamoStore creates a store with the given config.
func NewDynamoStore(config *StoreConfig) (*DynamoStore, error) {
	if err := config.defaults(); err != nil {
		return nil, err
	}
	return &DynamoStore{config}, nil
}

// CreateTicketTable creates the table that will store the committed tickets.
// succeeds if it already exists.
func (s *DynamoStore) CreateTicketTable() (err error) {
	for s.Backoff.Attempt() < maxCreateRetries {
		_, err = s.Client.CreateTable(&dynamodb.CreateTableInput{
			TableName: aws.String(s.TicketTable),
			AttributeDefinitions: []*dynamodb.AttributeDefinition{
				{
					AttributeName: aws.String(TicketNameKey),
					AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
				},
			},
			KeySchema: []*dynamodb.KeySchemaElement{
				{
					AttributeName: aws.String(TicketNameKey),
					KeyType:       aws.String("HASH"),
				},
			},
			ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
				ReadCapacityUnits:  aws.Int64(int64(s.TableReadCap)),
				WriteCapacityUnits: aws.Int64(int64(s.TableWriteCap)),
			},
		})

		if err == nil {
			break
		}

		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == alreadyExist {
			err = nil
			break
		}

		backoff := s.Backoff.Duration()

		s.Logger.WithFields(logrus.Fields{
			"backoff": backoff,
			"attempt": int(s.Backoff.Attempt()),
		}).Warnf("failed to create ticket table")

		time.Sleep(backoff)
	}
	s.Backoff.Reset()
	return
}

// Notify writes a committed result, keeping the highest ballot. A write
// carrying a stale ballot is silently dropped.
func (s *DynamoStore) Notify(r Result) (err error) {
	var expires int64
	if !r.Expires.IsZero() {
		expires = r.Expires.Unix()
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.TicketTable),
		Key: map[string]*dynamodb.AttributeValue{
			TicketNameKey: {
				S: aws.String(r.Name),
			},
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner": {
				N: aws.String(strconv.Itoa(int(r.Owner))),
			},
			":expires": {
				N: aws.String(strconv.FormatInt(expires, 10)),
			},
			":ballot": {
				N: aws.String(strconv.Itoa(int(r.Ballot))),
			},
		},
		ExpressionAttributeNames: map[string]*string{
			"#owner":   aws.String(TicketOwnerKey),
			"#expires": aws.String(TicketExpiresKey),
			"#ballot":  aws.String(TicketBallotKey),
			"#name":    aws.String(TicketNameKey),
		},
		UpdateExpression: aws.String(
			"SET #owner = :owner, #expires = :expires, #ballot = :ballot"),
		ConditionExpression: aws.String(
			"attribute_not_exists(#name) OR #ballot <= :ballot"),
	}

	for s.Backoff.Attempt() < maxNotifyRetries {
		_, err = s.Client.UpdateItem(input)

		if err == nil {
			break
		}

		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == conditionalFailed {
			// a newer ballot is already recorded
			err = nil
			break
		}

		backoff := s.Backoff.Duration()

		s.Logger.WithFields(logrus.Fields{
			"backoff": backoff,
			"attempt": int(s.Backoff.Attempt()),
		}).Warnf("failed to notify ticket %s", r.Name)

		time.Sleep(backoff)
	}
	s.Backoff.Reset()
	return
}

// Get reads the recorded state of the named ticket. A ticket that was never
// committed reads as unowned.
func (s *DynamoStore) Get(name string) (r Result, err error) {
	var out *dynamodb.GetItemOutput
	for s.Backoff.Attempt() < maxGetRetries {
		out, err = s.Client.GetItem(&dynamodb.GetItemInput{
			TableName:      aws.String(s.TicketTable),
			ConsistentRead: aws.Bool(true),
			Key: map[string]*dynamodb.AttributeValue{
				TicketNameKey: {
					S: aws.String(name),
				},
			},
		})

		if err == nil {
			break
		}

		backoff := s.Backoff.Duration()

		s.Logger.WithFields(logrus.Fields{
			"backoff": backoff,
			"attempt": int(s.Backoff.Attempt()),
		}).Warnf("failed to get ticket %s", name)

		time.Sleep(backoff)
	}
	s.Backoff.Reset()

	if err != nil {
		return Result{}, err
	}
	if len(out.Item) == 0 {
		return Result{Name: name, Owner: None}, nil
	}
	return decodeItem(name, out.Item)
}

func decodeItem(name string, item map[string]*dynamodb.AttributeValue) (Result, error) {
	r := Result{Name: name, Owner: None}
	if av, ok := item[TicketOwnerKey]; ok && av.N != nil {
		n, err := strconv.Atoi(*av.N)
		if err != nil {
			return Result{}, errors.Wrap(err, "decode ticket owner")
		}
		r.Owner = int32(n)
	}
	if av, ok := item[TicketBallotKey]; ok && av.N != nil {
		n, err := strconv.Atoi(*av.N)
		if err != nil {
			return Result{}, errors.Wrap(err, "decode ticket ballot")
		}
		r.Ballot = int32(n)
	}
	if av, ok := item[TicketExpiresKey]; ok && av.N != nil {
		n, err := strconv.ParseInt(*av.N, 10, 64)
		if err != nil {
			return Result{}, errors.Wrap(err, "decode ticket expires")
		}
		if n > 0 {
			r.Expires = time.Unix(n, 0)
		}
	}
	return r, nil
}

// Backoff is the default thread-safe implemtation for Backofface
type Backoff struct {
	sync.Mutex
	b *backoff.Backoff
}

func (b *Backoff) Duration() time.Duration {
	b.Lock()
	defer b.Unlock()
	return b.b.Duration()
}

func (b *Backoff) Attempt() float64 {
	b.Lock()
	defer b.Unlock()
	return b.b.Attempt()
}

func (b *Backoff) Reset() {
	b.Lock()
	b.b.Reset()
	b.Unlock()
}
