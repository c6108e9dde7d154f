package model

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"titan/pkg/fleeterr"
)

// ServiceName 已知服务标识 (封闭枚举)，外部字符串统一经 ParseServiceName 转换
type ServiceName string

const (
	ServiceLLMInference  ServiceName = "llm-inference"
	ServiceEmbeddings    ServiceName = "embeddings"
	ServiceOCR           ServiceName = "ocr"
	ServiceRAGQuery      ServiceName = "rag-query"
	ServiceEligibility   ServiceName = "eligibility"
	ServiceChatbot       ServiceName = "chatbot"
	ServiceVectorStore   ServiceName = "vector-store"
	ServiceDocumentStore ServiceName = "document-store"
	ServiceAPIGateway    ServiceName = "api-gateway"
	ServiceJobDispatcher ServiceName = "job-dispatcher"
)

// 唯一的翻译表
var knownServices = map[string]ServiceName{
	string(ServiceLLMInference):  ServiceLLMInference,
	string(ServiceEmbeddings):    ServiceEmbeddings,
	string(ServiceOCR):           ServiceOCR,
	string(ServiceRAGQuery):      ServiceRAGQuery,
	string(ServiceEligibility):   ServiceEligibility,
	string(ServiceChatbot):       ServiceChatbot,
	string(ServiceVectorStore):   ServiceVectorStore,
	string(ServiceDocumentStore): ServiceDocumentStore,
	string(ServiceAPIGateway):    ServiceAPIGateway,
	string(ServiceJobDispatcher): ServiceJobDispatcher,
}

var ErrUnknownService = errors.New("unknown service")

func ParseServiceName(s string) (ServiceName, error) {
	name, ok := knownServices[s]
	if !ok {
		return "", fleeterr.New(fleeterr.KindNotFound, "parse service", fmt.Errorf("%w: %q", ErrUnknownService, s))
	}
	return name, nil
}

// ServiceDescriptor 分配给 worker 的服务描述：镜像、端口、环境变量
type ServiceDescriptor struct {
	Name  ServiceName       `json:"name" yaml:"name"`
	Image string            `json:"image,omitempty" yaml:"image,omitempty"`
	Port  int               `json:"port" yaml:"port"`
	Env   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// CatalogEntry 静态配置，运行期不修改
type CatalogEntry struct {
	Name     ServiceName `yaml:"name" json:"name"`
	Tier     Tier        `yaml:"tier" json:"tier"`
	Priority int         `yaml:"priority" json:"priority"` // 1=critical ... 5=optional
	Port     int         `yaml:"port" json:"port"`
	Image    string      `yaml:"image" json:"image"`
	// 低于该副本数时 gap 分析报 warning
	MinReplicas int               `yaml:"min_replicas,omitempty" json:"min_replicas,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

func (e CatalogEntry) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{Name: e.Name, Image: e.Image, Port: e.Port, Env: cloneEnv(e.Env)}
}

type Catalog struct {
	entries []CatalogEntry
	byName  map[ServiceName]CatalogEntry
}

func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]CatalogEntry{
		{Name: ServiceLLMInference, Tier: TierGPU, Priority: 1, Port: 8001, Image: "ghcr.io/fleet/llm-inference:latest", MinReplicas: 2},
		{Name: ServiceEmbeddings, Tier: TierGPU, Priority: 2, Port: 8002, Image: "ghcr.io/fleet/embeddings:latest"},
		{Name: ServiceOCR, Tier: TierGPU, Priority: 3, Port: 8003, Image: "ghcr.io/fleet/ocr:latest"},
		{Name: ServiceRAGQuery, Tier: TierCPU, Priority: 1, Port: 8010, Image: "ghcr.io/fleet/rag-query:latest", MinReplicas: 2},
		{Name: ServiceEligibility, Tier: TierCPU, Priority: 2, Port: 8011, Image: "ghcr.io/fleet/eligibility:latest"},
		{Name: ServiceChatbot, Tier: TierCPU, Priority: 3, Port: 8012, Image: "ghcr.io/fleet/chatbot:latest"},
		{Name: ServiceVectorStore, Tier: TierStorage, Priority: 1, Port: 6333, Image: "qdrant/qdrant:latest"},
		{Name: ServiceDocumentStore, Tier: TierStorage, Priority: 2, Port: 8020, Image: "ghcr.io/fleet/document-store:latest"},
		{Name: ServiceAPIGateway, Tier: TierEdge, Priority: 1, Port: 8080, Image: "ghcr.io/fleet/api-gateway:latest"},
		{Name: ServiceJobDispatcher, Tier: TierEdge, Priority: 4, Port: 8090, Image: "ghcr.io/fleet/job-dispatcher:latest"},
	})
	if err != nil {
		panic(err)
	}
	return c
}

func NewCatalog(entries []CatalogEntry) (*Catalog, error) {
	c := &Catalog{byName: make(map[ServiceName]CatalogEntry, len(entries))}
	for _, e := range entries {
		if _, err := ParseServiceName(string(e.Name)); err != nil {
			return nil, err
		}
		if !e.Tier.Valid() {
			return nil, fmt.Errorf("catalog entry %s: invalid tier %d", e.Name, e.Tier)
		}
		if _, dup := c.byName[e.Name]; dup {
			return nil, fmt.Errorf("catalog entry %s: duplicate", e.Name)
		}
		if e.Priority < 1 || e.Priority > 5 {
			return nil, fmt.Errorf("catalog entry %s: priority %d out of range 1..5", e.Name, e.Priority)
		}
		if e.MinReplicas <= 0 {
			e.MinReplicas = 1
		}
		c.entries = append(c.entries, e)
		c.byName[e.Name] = e
	}
	sort.SliceStable(c.entries, func(i, j int) bool {
		if c.entries[i].Tier != c.entries[j].Tier {
			return c.entries[i].Tier < c.entries[j].Tier
		}
		return c.entries[i].Priority < c.entries[j].Priority
	})
	return c, nil
}

// LoadCatalog 从 YAML 文件读取服务目录
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var doc struct {
		Services []CatalogEntry `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(doc.Services)
}

func (c *Catalog) Entries() []CatalogEntry {
	return append([]CatalogEntry(nil), c.entries...)
}

func (c *Catalog) Lookup(name ServiceName) (CatalogEntry, error) {
	e, ok := c.byName[name]
	if !ok {
		return CatalogEntry{}, fleeterr.New(fleeterr.KindNotFound, "catalog lookup", fmt.Errorf("%w: %q", ErrUnknownService, name))
	}
	return e, nil
}

// ForTier 返回 tier 匹配的服务，按目录顺序
func (c *Catalog) ForTier(t Tier) []CatalogEntry {
	var out []CatalogEntry
	for _, e := range c.entries {
		if e.Tier == t {
			out = append(out, e)
		}
	}
	return out
}
