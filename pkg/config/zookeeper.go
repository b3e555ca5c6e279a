// Copyright 2025 The Egregora Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// zookeeperProvider is a koanf provider over a single zookeeper node
// holding the YAML document. koanf has no zookeeper provider of its own,
// so this fills the gap with the same Watch surface as the remote ones.
type zookeeperProvider struct {
	conn *zk.Conn
	path string
}

func newZookeeperProvider(endpoints []string, path string) (*zookeeperProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper endpoints are required")
	}
	if path == "" {
		return nil, fmt.Errorf("zookeeper path is required")
	}
	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}
	return &zookeeperProvider{conn: conn, path: path}, nil
}

// ReadBytes returns the raw node contents.
func (p *zookeeperProvider) ReadBytes() ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("read zookeeper node %s: %w", p.path, err)
	}
	return data, nil
}

// Read is unsupported; the node holds raw YAML and needs a parser.
func (p *zookeeperProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("zookeeper provider requires a parser")
}

// Watch re-arms a node watch after each event and reports data changes
// through cb. Deleting the node or losing the watch ends watching.
func (p *zookeeperProvider) Watch(cb func(event interface{}, err error)) error {
	for {
		data, _, events, err := p.conn.GetW(p.path)
		if err != nil {
			cb(nil, fmt.Errorf("watch zookeeper node %s: %w", p.path, err))
			time.Sleep(time.Second)
			continue
		}

		event := <-events
		switch event.Type {
		case zk.EventNodeDataChanged:
			cb(data, nil)
		case zk.EventNodeDeleted:
			cb(nil, fmt.Errorf("zookeeper node %s was deleted", p.path))
			return nil
		case zk.EventNotWatching:
			cb(nil, fmt.Errorf("zookeeper watch lost for %s", p.path))
			return nil
		}
	}
}

// Close releases the zookeeper connection.
func (p *zookeeperProvider) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
