// Package disk is a site registry persisted in a bbolt database file.
package disk

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/heroku/csauth/sitedb"
)

var sitesBucket = []byte("sites")

type errNotFound struct {
	error
}

func (*errNotFound) NotFoundErr() {}

type Source struct {
	db *bolt.DB
}

func New(path string, mode os.FileMode) (*Source, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sitesBucket)
		return err
	}); err != nil {
		return nil, err
	}
	return &Source{db: db}, nil
}

func (s *Source) GetSite(_ context.Context, token string) (*sitedb.Site, error) {
	var site *sitedb.Site

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sitesBucket).Get([]byte(token))
		if data == nil {
			return &errNotFound{fmt.Errorf("site %q was not found", token)}
		}
		var err error
		site, err = decodeSite(data)
		return err
	})

	return site, err
}

func (s *Source) PutSite(_ context.Context, site *sitedb.Site) error {
	data, err := encodeSite(site)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sitesBucket).Put([]byte(site.Token), data)
	})
}

func (s *Source) DeleteSite(_ context.Context, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sitesBucket)
		if b.Get([]byte(token)) == nil {
			return &errNotFound{fmt.Errorf("site %q was not found", token)}
		}
		return b.Delete([]byte(token))
	})
}

func (s *Source) ListSites(_ context.Context) ([]string, error) {
	tokens := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sitesBucket).ForEach(func(k, _ []byte) error {
			tokens = append(tokens, string(k))
			return nil
		})
	})
	return tokens, err
}

func (s *Source) Close() error {
	return s.db.Close()
}

func encodeSite(site *sitedb.Site) ([]byte, error) {
	buf := new(bytes.Buffer)
	err := gob.NewEncoder(buf).Encode(site)
	return buf.Bytes(), err
}

func decodeSite(data []byte) (*sitedb.Site, error) {
	var site *sitedb.Site
	buf := bytes.NewBuffer(data)
	err := gob.NewDecoder(buf).Decode(&site)
	return site, err
}
