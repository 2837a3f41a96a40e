// etcd-backed Directory: a TTL-leased key per instance under
// /romp/{serviceName}/{endpoint}, so a crashed server's advertisement
// expires on its own rather than requiring an explicit deregister.
package discovery

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdDirectory implements Directory using etcd v3.
type EtcdDirectory struct {
	client *clientv3.Client
}

func NewEtcdDirectory(endpoints []string) (*EtcdDirectory, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	return &EtcdDirectory{client: c}, nil
}

func (d *EtcdDirectory) Register(serviceName string, instance Instance, ttl int64) error {
	ctx := context.TODO()

	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := "/romp/" + serviceName + "/" + instance.Endpoint
	if _, err := d.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (d *EtcdDirectory) Deregister(serviceName string, endpoint string) error {
	ctx := context.TODO()
	_, err := d.client.Delete(ctx, "/romp/"+serviceName+"/"+endpoint)
	return err
}

func (d *EtcdDirectory) Discover(serviceName string) ([]Instance, error) {
	ctx := context.TODO()
	prefix := "/romp/" + serviceName + "/"

	resp, err := d.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (d *EtcdDirectory) Watch(serviceName string) <-chan []Instance {
	ctx := context.TODO()
	ch := make(chan []Instance, 1)
	prefix := "/romp/" + serviceName + "/"

	go func() {
		watchChan := d.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, _ := d.Discover(serviceName)
			ch <- instances
		}
	}()

	return ch
}
